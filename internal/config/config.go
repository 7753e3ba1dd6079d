package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string

	BankURL    string
	BankAPIKey string
	// PIX key of the exchange's BRL deposit account (buy flow target).
	ExchangeDepositPixKey string

	ExchangeURL        string
	ExchangeAPIKey     string
	ExchangePassphrase string
	TradingPair        string

	TronURL       string
	TronAPIKey    string
	PolygonURL    string
	PolygonAPIKey string

	// Exchange-side stablecoin deposit addresses, per network (sell flow target).
	DepositAddressTron    string
	DepositAddressPolygon string

	WithdrawFeeTron    decimal.Decimal
	WithdrawFeePolygon decimal.Decimal

	BaseSpreadRate    decimal.Decimal
	AffiliateRate     decimal.Decimal
	MinBuyAmountBRL   decimal.Decimal
	MinPayoutBRL      decimal.Decimal
	ReconcileInterval int // seconds
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if OTSEM_API_ENABLED != "true", ApiAddr() returns
// an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	// A malformed numeric value must fail startup, not silently run with the
	// default; the first parse error wins.
	var parseErr error
	envDecimal := func(key, defaultVal string) decimal.Decimal {
		d, err := getEnvDecimal(key, defaultVal)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		return d
	}
	envInt := func(key string, defaultVal int) int {
		n, err := getEnvInt(key, defaultVal)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		return n
	}

	cfg := &Config{
		DBUser:  os.Getenv("OTSEM_POSTGRES_USER"),
		DBPass:  os.Getenv("OTSEM_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("OTSEM_POSTGRES_HOST"),
		DBPort:  os.Getenv("OTSEM_POSTGRES_PORT"),
		DBName:  os.Getenv("OTSEM_POSTGRES_DB"),
		SSLMode: os.Getenv("OTSEM_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("OTSEM_REDIS_HOST"),
		RedisPort: os.Getenv("OTSEM_REDIS_PORT"),
		NatsHost:  os.Getenv("OTSEM_NATS_HOST"),
		NatsPort:  os.Getenv("OTSEM_NATS_PORT"),

		ApiPort:    os.Getenv("OTSEM_API_PORT"),
		ApiEnabled: os.Getenv("OTSEM_API_ENABLED"),

		BankURL:               os.Getenv("OTSEM_BANK_URL"),
		BankAPIKey:            os.Getenv("OTSEM_BANK_API_KEY"),
		ExchangeDepositPixKey: os.Getenv("OTSEM_EXCHANGE_DEPOSIT_PIX_KEY"),

		ExchangeURL:        os.Getenv("OTSEM_EXCHANGE_URL"),
		ExchangeAPIKey:     os.Getenv("OTSEM_EXCHANGE_API_KEY"),
		ExchangePassphrase: os.Getenv("OTSEM_EXCHANGE_PASSPHRASE"),
		TradingPair:        getEnvDefault("OTSEM_TRADING_PAIR", "USDT-BRL"),

		TronURL:       os.Getenv("OTSEM_TRON_URL"),
		TronAPIKey:    os.Getenv("OTSEM_TRON_API_KEY"),
		PolygonURL:    os.Getenv("OTSEM_POLYGON_URL"),
		PolygonAPIKey: os.Getenv("OTSEM_POLYGON_API_KEY"),

		DepositAddressTron:    os.Getenv("OTSEM_DEPOSIT_ADDRESS_TRC20"),
		DepositAddressPolygon: os.Getenv("OTSEM_DEPOSIT_ADDRESS_POLYGON"),

		WithdrawFeeTron:    envDecimal("OTSEM_WITHDRAW_FEE_TRC20", "1"),
		WithdrawFeePolygon: envDecimal("OTSEM_WITHDRAW_FEE_POLYGON", "0.8"),

		BaseSpreadRate:    envDecimal("OTSEM_BASE_SPREAD_RATE", "0.01"),
		AffiliateRate:     envDecimal("OTSEM_AFFILIATE_RATE", "0.002"),
		MinBuyAmountBRL:   envDecimal("OTSEM_MIN_BUY_BRL", "10"),
		MinPayoutBRL:      envDecimal("OTSEM_MIN_PAYOUT_BRL", "1"),
		ReconcileInterval: envInt("OTSEM_RECONCILE_INTERVAL_SECONDS", 60),
	}
	if parseErr != nil {
		return nil, parseErr
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: OTSEM_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis (reconciler lock + wallet balance cache)
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: OTSEM_REDIS_HOST/PORT")
	}

	// Required: nats (event bus + reconcile command)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: OTSEM_NATS_HOST/PORT")
	}

	// Required: rails
	if cfg.BankURL == "" || cfg.ExchangeDepositPixKey == "" {
		return nil, fmt.Errorf("missing required env for bank rail: OTSEM_BANK_URL / OTSEM_EXCHANGE_DEPOSIT_PIX_KEY")
	}
	if cfg.ExchangeURL == "" {
		return nil, fmt.Errorf("missing required env: OTSEM_EXCHANGE_URL")
	}
	if cfg.TronURL == "" || cfg.PolygonURL == "" {
		return nil, fmt.Errorf("missing required env for chain clients: OTSEM_TRON_URL / OTSEM_POLYGON_URL")
	}
	if cfg.DepositAddressTron == "" || cfg.DepositAddressPolygon == "" {
		return nil, fmt.Errorf("missing required env: OTSEM_DEPOSIT_ADDRESS_TRC20 / OTSEM_DEPOSIT_ADDRESS_POLYGON")
	}

	if cfg.BaseSpreadRate.IsNegative() || cfg.BaseSpreadRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("OTSEM_BASE_SPREAD_RATE must be in [0, 1)")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if OTSEM_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("OTSEM_API_PORT is required when OTSEM_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (OTSEM_API_ENABLED != true)")
}

// DepositAddress returns the exchange-side deposit address for a network.
func (c *Config) DepositAddress(network string) (string, error) {
	switch network {
	case "TRC20":
		return c.DepositAddressTron, nil
	case "POLYGON":
		return c.DepositAddressPolygon, nil
	}
	return "", fmt.Errorf("unsupported network %q", network)
}

// WithdrawFee returns the network fee the platform absorbs on withdrawals.
func (c *Config) WithdrawFee(network string) (decimal.Decimal, error) {
	switch network {
	case "TRC20":
		return c.WithdrawFeeTron, nil
	case "POLYGON":
		return c.WithdrawFeePolygon, nil
	}
	return decimal.Zero, fmt.Errorf("unsupported network %q", network)
}

func getEnvDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return intVal, nil
}

func getEnvDecimal(key, defaultVal string) (decimal.Decimal, error) {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, val)
	}
	return d, nil
}
