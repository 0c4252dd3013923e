package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"cryptobroker/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Market data
	BinanceAPIKey    string // optional, public ticker endpoints work without keys
	BinanceSecretKey string
	CoinGeckoBaseURL string        // override for testing against a stub server
	ProviderOrder    []string      // fallback priority, e.g. ["binance", "coingecko"]
	ProviderTimeout  time.Duration // per-provider deadline within one refresh
	RefreshInterval  time.Duration // price refresh cadence

	// Matching
	MatchingInterval time.Duration // order book scan cadence

	// Fees
	FeeRate decimal.Decimal // fraction of notional charged per trade

	// Websocket event feed; empty disables the listener
	WSListenAddr string
}

var knownProviders = map[string]bool{
	"binance":   true,
	"coingecko": true,
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/broker.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Market data
	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.CoinGeckoBaseURL = getEnv("COINGECKO_BASE_URL", "")

	providerStr := getEnv("PRICE_PROVIDERS", "binance,coingecko")
	for _, name := range strings.Split(providerStr, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if !knownProviders[name] {
			errs = append(errs, fmt.Sprintf("unknown price provider %q in PRICE_PROVIDERS", name))
			continue
		}
		cfg.ProviderOrder = append(cfg.ProviderOrder, name)
	}
	if len(cfg.ProviderOrder) == 0 {
		errs = append(errs, "PRICE_PROVIDERS must list at least one provider")
	}

	providerTimeoutSeconds := getEnvAsInt("PROVIDER_TIMEOUT_SECONDS", 8)
	if providerTimeoutSeconds <= 0 {
		errs = append(errs, "PROVIDER_TIMEOUT_SECONDS must be positive")
	}
	cfg.ProviderTimeout = time.Duration(providerTimeoutSeconds) * time.Second

	refreshIntervalSeconds := getEnvAsInt("PRICE_REFRESH_SECONDS", 60)
	if refreshIntervalSeconds <= 0 {
		errs = append(errs, "PRICE_REFRESH_SECONDS must be positive")
	}
	cfg.RefreshInterval = time.Duration(refreshIntervalSeconds) * time.Second

	// Matching
	matchingIntervalSeconds := getEnvAsInt("MATCHING_INTERVAL_SECONDS", 5)
	if matchingIntervalSeconds <= 0 {
		errs = append(errs, "MATCHING_INTERVAL_SECONDS must be positive")
	}
	cfg.MatchingInterval = time.Duration(matchingIntervalSeconds) * time.Second

	// Fees
	feeRateStr := getEnv("FEE_RATE", "0")
	feeRate, err := decimal.NewFromString(feeRateStr)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEE_RATE %q: %v", feeRateStr, err))
	} else if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "FEE_RATE must be in [0, 1)")
	} else {
		cfg.FeeRate = feeRate
	}

	// Websocket feed
	cfg.WSListenAddr = getEnv("WS_LISTEN_ADDR", "")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
