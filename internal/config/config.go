package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	KafkaBrokers             []string
	KafkaTopic               string
	TaxRatePercent           decimal.Decimal
	PromotionCacheTTLSeconds int
	IdempotencyTTLMinutes    int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	BootstrapAdminUsername   string
	BootstrapAdminPassword   string
	LogLevel                 string
}

// Load reads an optional .env file, then the process environment. Values
// already present in the environment win over the file. The returned Config
// is fully populated even when err is non-nil, so callers can still log.
func Load() (Config, error) {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	promoTTL, err := strconv.Atoi(getEnv("PROMOTION_CACHE_TTL_SECONDS", "30"))
	if err != nil || promoTTL < 1 {
		promoTTL = 30
	}
	idemTTL, err := strconv.Atoi(getEnv("IDEMPOTENCY_TTL_MINUTES", "1440"))
	if err != nil || idemTTL < 1 {
		idemTTL = 1440
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, taxErr := parseTaxRate(getEnv("TAX_RATE_PERCENT", "15"))

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:4200"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		KafkaBrokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "storefront.orders"),
		TaxRatePercent:           taxRate,
		PromotionCacheTTLSeconds: promoTTL,
		IdempotencyTTLMinutes:    idemTTL,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		BootstrapAdminUsername:   strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_USERNAME")),
		BootstrapAdminPassword:   os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	return cfg, taxErr
}

func parseTaxRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE_PERCENT %q is not a number", raw)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("TAX_RATE_PERCENT must be between 0 and 100, got %s", rate)
	}
	return rate, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(val string) []string {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
