package fees

// Breakdown: разбивка одной оплаты. PlatformFee + ProcessingFee + SellerAmount == Gross.
type Breakdown struct {
	Gross         int64
	PlatformFee   int64
	ProcessingFee int64
	SellerAmount  int64
	VATCountry    string
	VATRate       Rate
	// VAT начисляется на комиссию платформы и не входит в сумму списания.
	VAT int64
	// Shortfall > 0 означает, что комиссии превысили сумму и выплата продавцу обрезана до нуля.
	Shortfall int64
}

// Calculator связывает ставки из конфигурации с чистыми функциями пакета.
type Calculator struct {
	PlatformFeeRate Rate
	ProcessingRate  Rate
	ProcessingFixed int64
	VATRates        VATTable
}

// NewCalculator создаёт калькулятор комиссий.
func NewCalculator(platformFee, processingRate Rate, processingFixed int64, vat VATTable) *Calculator {
	return &Calculator{
		PlatformFeeRate: platformFee,
		ProcessingRate:  processingRate,
		ProcessingFixed: processingFixed,
		VATRates:        vat,
	}
}

// Breakdown считает все части оплаты. Если комиссии больше суммы, недостачу поглощает
// сначала комиссия платформы, затем процессинг, чтобы части по-прежнему давали gross.
func (c *Calculator) Breakdown(gross int64, country string) Breakdown {
	if gross < 0 {
		gross = 0
	}

	platform := PlatformFee(gross, c.PlatformFeeRate)
	processing := ProcessingFee(gross, c.ProcessingRate, c.ProcessingFixed)
	seller, clamped := SellerPayout(gross, c.PlatformFeeRate, c.ProcessingRate, c.ProcessingFixed)

	b := Breakdown{
		Gross:         gross,
		PlatformFee:   platform,
		ProcessingFee: processing,
		SellerAmount:  seller,
	}

	if clamped {
		b.Shortfall = platform + processing - gross
		if processing > gross {
			b.ProcessingFee = gross
		}
		b.PlatformFee = gross - b.ProcessingFee
	}

	if country == "" {
		country = HomeCountry
	}
	b.VATCountry = country
	b.VATRate = c.VATRates.Rate(country)
	b.VAT = c.VATRates.VAT(b.PlatformFee, country)

	return b
}
