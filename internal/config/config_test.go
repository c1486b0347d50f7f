package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/gig-escrow/internal/fees"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, fees.Rate(1500), cfg.PlatformFeeRate)
	assert.Equal(t, fees.Rate(290), cfg.ProcessingFeeRate)
	assert.Equal(t, int64(25), cfg.ProcessingFeeFixed)
	assert.Equal(t, 14, cfg.EscrowReleaseDays)
	assert.Equal(t, 14*24*time.Hour, cfg.EscrowReleasePeriod())
	assert.Equal(t, int64(5000), cfg.MinimumPayoutAmount)
	assert.Equal(t, fees.Rate(770), cfg.VATRates.Rate("CH"))
	assert.Equal(t, fees.Rate(1900), cfg.VATRates.Rate("US"))
	assert.Equal(t, []string{"DE", "AT", "CH"}, cfg.ConnectCountries)
	assert.Equal(t, GatewayFake, cfg.GatewayProvider)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.WebhookSigningSecret)

	b := cfg.FeeCalculator().Breakdown(10000, "DE")
	assert.Equal(t, int64(8185), b.SellerAmount)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("PLATFORM_FEE_PERCENT", "12.5")
	t.Setenv("PROCESSING_FEE_PERCENT", "1.4")
	t.Setenv("VAT_RATES", "de:19,it:22")
	t.Setenv("CONNECT_COUNTRIES", "de, fr")
	t.Setenv("POSTGRESQL_HOST", "db")
	t.Setenv("POSTGRESQL_USER", "escrow")
	t.Setenv("POSTGRESQL_PASSWORD", "p@ss")
	t.Setenv("POSTGRESQL_DBNAME", "escrow")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, fees.Rate(1250), cfg.PlatformFeeRate)
	assert.Equal(t, fees.Rate(140), cfg.ProcessingFeeRate)
	assert.Equal(t, fees.Rate(2200), cfg.VATRates.Rate("IT"))
	assert.Equal(t, []string{"DE", "FR"}, cfg.ConnectCountries)
	assert.Equal(t, "postgres://escrow:p%40ss@db:5432/escrow?sslmode=disable", cfg.DatabaseURL)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"ставка с лишней точностью", "PROCESSING_FEE_PERCENT", "2.955"},
		{"битая таблица НДС", "VAT_RATES", "DE=19"},
		{"неизвестный шлюз", "GATEWAY_PROVIDER", "paypal"},
		{"отрицательная фиксированная комиссия", "PROCESSING_FEE_FIXED", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}

func TestParse_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("GATEWAY_PROVIDER", "stripe")
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_x")

	_, err := Parse()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "whsec_live")
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Env)
}
