package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("IDEMPOTENCY_TTL_MINUTES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(15).Equal(cfg.TaxRatePercent))
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 1440, cfg.IdempotencyTTLMinutes)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "7.5")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("PROMOTION_CACHE_TTL_SECONDS", "-4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("7.5").Equal(cfg.TaxRatePercent))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30, cfg.PromotionCacheTTLSeconds)
}

func TestLoadRejectsInvalidTaxRate(t *testing.T) {
	for _, raw := range []string{"150", "-1", "fifteen"} {
		t.Setenv("TAX_RATE_PERCENT", raw)
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), "TAX_RATE_PERCENT")
		assert.Equal(t, "debug", cfg.LogLevel)
	}

	t.Setenv("TAX_RATE_PERCENT", "0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.TaxRatePercent.IsZero())
}
