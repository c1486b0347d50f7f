package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformFee(t *testing.T) {
	tests := []struct {
		name  string
		gross int64
		rate  Rate
		want  int64
	}{
		{"15% от 100 EUR", 10000, DefaultPlatformFee, 1500},
		{"округление вверх на половине", 10, Rate(1500), 2},
		{"округление вниз", 3, Rate(1500), 0},
		{"нулевая сумма", 0, DefaultPlatformFee, 0},
		{"нулевая ставка", 10000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlatformFee(tt.gross, tt.rate))
		})
	}
}

func TestProcessingFee(t *testing.T) {
	assert.Equal(t, int64(315), ProcessingFee(10000, 290, 25))
	assert.Equal(t, int64(165), ProcessingFee(10000, 140, 25))
	assert.Equal(t, int64(0), ProcessingFee(0, 290, 25))
}

func TestSellerPayout_WorkedExample(t *testing.T) {
	payout, clamped := SellerPayout(10000, Percent(15), 290, 25)
	assert.Equal(t, int64(8185), payout)
	assert.False(t, clamped)
}

func TestSellerPayout_ClampedAtZero(t *testing.T) {
	payout, clamped := SellerPayout(20, Percent(15), 290, 25)
	assert.Equal(t, int64(0), payout)
	assert.True(t, clamped)
}

func TestCalculator_PartitionHolds(t *testing.T) {
	calc := NewCalculator(Percent(15), 290, 25, DefaultVATTable())

	for gross := int64(0); gross <= 20000; gross++ {
		b := calc.Breakdown(gross, "DE")
		require.GreaterOrEqual(t, b.PlatformFee, int64(0), "gross=%d", gross)
		require.GreaterOrEqual(t, b.ProcessingFee, int64(0), "gross=%d", gross)
		require.GreaterOrEqual(t, b.SellerAmount, int64(0), "gross=%d", gross)
		require.LessOrEqual(t, b.SellerAmount, gross, "gross=%d", gross)
		require.Equal(t, gross, b.PlatformFee+b.ProcessingFee+b.SellerAmount, "gross=%d", gross)
	}
}

func TestCalculator_Breakdown(t *testing.T) {
	calc := NewCalculator(Percent(15), 290, 25, DefaultVATTable())

	b := calc.Breakdown(10000, "AT")
	assert.Equal(t, int64(1500), b.PlatformFee)
	assert.Equal(t, int64(315), b.ProcessingFee)
	assert.Equal(t, int64(8185), b.SellerAmount)
	assert.Equal(t, int64(300), b.VAT)
	assert.Equal(t, int64(0), b.Shortfall)

	small := calc.Breakdown(20, "")
	assert.Equal(t, int64(0), small.SellerAmount)
	assert.Equal(t, int64(20), small.ProcessingFee)
	assert.Equal(t, int64(0), small.PlatformFee)
	assert.Equal(t, int64(9), small.Shortfall)
	assert.Equal(t, HomeCountry, small.VATCountry)
}

func TestCalculator_VATBaseIsPlatformFee(t *testing.T) {
	calc := NewCalculator(Percent(15), 290, 25, DefaultVATTable())

	b := calc.Breakdown(10000, "DE")
	assert.Equal(t, int64(285), b.VAT)
	assert.Equal(t, calc.VATRates.VAT(b.PlatformFee, "DE"), b.VAT)
	assert.NotEqual(t, calc.VATRates.VAT(b.Gross, "DE"), b.VAT)
	// НДС не добавляется к списанию и не уменьшает долю продавца.
	assert.Equal(t, b.Gross, b.PlatformFee+b.ProcessingFee+b.SellerAmount)
	assert.Equal(t, int64(8185), b.SellerAmount)
}

func TestVAT(t *testing.T) {
	table := DefaultVATTable()

	assert.Equal(t, int64(770), table.VAT(10000, "CH"))
	assert.Equal(t, int64(1900), table.VAT(10000, "de"))
	assert.Equal(t, int64(2000), table.VAT(10000, "FR"))
	// Неизвестная страна получает ставку по умолчанию.
	assert.Equal(t, table.VAT(10000, HomeCountry), table.VAT(10000, "US"))
	assert.Equal(t, []string{"AT", "CH", "DE", "FR"}, table.Countries())
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    Rate
		wantErr bool
	}{
		{in: "15", want: 1500},
		{in: "2.9", want: 290},
		{in: "7.7%", want: 770},
		{in: " 0 ", want: 0},
		{in: "100", want: 10000},
		{in: "2.955", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "101", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVATRates(t *testing.T) {
	rates, err := ParseVATRates("DE:19, at:20,CH:7.7")
	require.NoError(t, err)
	assert.Equal(t, map[string]Rate{"DE": 1900, "AT": 2000, "CH": 770}, rates)

	_, err = ParseVATRates("DE19")
	assert.Error(t, err)

	_, err = ParseVATRates("DEU:19")
	assert.Error(t, err)
}

func TestRateString(t *testing.T) {
	assert.Equal(t, "2.9%", Rate(290).String())
	assert.Equal(t, "15%", Percent(15).String())
}
