package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Exchange credentials. Empty credentials force simulate mode.
	APIKey    string
	APISecret string

	// Market
	Symbol   string
	Interval string

	// Bands
	Window         int
	BollMultiplier float64
	BollDdof       int

	// Strategy and risk
	StopLossPct              float64
	MaxPositionPct           float64
	Leverage                 int
	OnlyOnClose              bool
	StopLossEnabled          bool
	UseBreakoutLevelForEntry bool
	ReentryBufferPct         float64

	// Simulation
	SimulateTrading bool
	SimulateBalance float64

	// WebSocket stream
	WSBase            string
	WSPingIntervalSec int
	WSPingTimeoutSec  int
	WSBackoffInitSec  int
	WSBackoffMaxSec   int

	// Order and network
	RestBase            string
	RecvWindow          int
	HTTPTimeoutSec      int
	QtyPrecision        int
	PriceRound          int
	StopLossWorkingType string

	// Infrastructure
	DBPath        string
	RedisAddr     string // empty disables the Redis mirror
	RedisPassword string
	MetricsAddr   string
	APIAddr       string // empty disables the read API
	LogLevel      string
	LogFile       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		APIKey:    getEnv("BINANCE_API_KEY", ""),
		APISecret: getEnv("BINANCE_API_SECRET", ""),

		Symbol:   strings.ToUpper(getEnv("SYMBOL", "BTCUSDT")),
		Interval: getEnv("INTERVAL", "15m"),

		Window:         getEnvInt("WINDOW", 20),
		BollMultiplier: getEnvFloat("BOLL_MULTIPLIER", 2.0),
		BollDdof:       getEnvInt("BOLL_DDOF", 0),

		StopLossPct:              getEnvFloat("STOP_LOSS_PCT", 0.02),
		MaxPositionPct:           getEnvFloat("MAX_POSITION_PCT", 0.1),
		Leverage:                 getEnvInt("LEVERAGE", 10),
		OnlyOnClose:              getEnvBool("ONLY_ON_CLOSE", false),
		StopLossEnabled:          getEnvBool("STOP_LOSS_ENABLED", true),
		UseBreakoutLevelForEntry: getEnvBool("USE_BREAKOUT_LEVEL_FOR_ENTRY", false),
		ReentryBufferPct:         getEnvFloat("REENTRY_BUFFER_PCT", 0),

		SimulateTrading: getEnvBool("SIMULATE_TRADING", true),
		SimulateBalance: getEnvFloat("SIMULATE_BALANCE", 10000),

		WSBase:            strings.TrimRight(getEnv("WS_BASE", "wss://fstream.binance.com"), "/"),
		WSPingIntervalSec: getEnvInt("WS_PING_INTERVAL", 20),
		WSPingTimeoutSec:  getEnvInt("WS_PING_TIMEOUT", 60),
		WSBackoffInitSec:  getEnvInt("WS_BACKOFF_INITIAL", 1),
		WSBackoffMaxSec:   getEnvInt("WS_BACKOFF_MAX", 60),

		RestBase:            strings.TrimRight(getEnv("REST_BASE", "https://fapi.binance.com"), "/"),
		RecvWindow:          getEnvInt("RECV_WINDOW", 5000),
		HTTPTimeoutSec:      getEnvInt("HTTP_TIMEOUT", 30),
		QtyPrecision:        getEnvInt("QTY_PRECISION", 3),
		PriceRound:          getEnvInt("PRICE_ROUND", 2),
		StopLossWorkingType: getEnv("STOP_LOSS_WORKING_TYPE", "CONTRACT_PRICE"),

		DBPath:        getEnv("DB_PATH", "trader.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:       getEnv("LOG_FILE", ""),
	}

	// Trading live without credentials cannot work; fall back to simulation
	// rather than failing at the first signed request.
	if !cfg.SimulateTrading && (cfg.APIKey == "" || cfg.APISecret == "") {
		log.Printf("[config] no API credentials set, forcing simulate mode")
		cfg.SimulateTrading = true
	}

	return cfg
}

// Validate checks parameter ranges. Fatal misconfigurations are returned as
// errors; the caller is expected to refuse to start.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.Interval == "" {
		return fmt.Errorf("interval must not be empty")
	}
	if c.Window < 2 {
		return fmt.Errorf("window must be at least 2, got %d", c.Window)
	}
	if c.BollMultiplier <= 0 {
		return fmt.Errorf("boll multiplier must be positive, got %v", c.BollMultiplier)
	}
	if c.BollDdof < 0 || c.BollDdof >= c.Window {
		return fmt.Errorf("boll ddof must be in [0, window), got %d", c.BollDdof)
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("stop loss pct must be in (0, 1), got %v", c.StopLossPct)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("max position pct must be in (0, 1], got %v", c.MaxPositionPct)
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("leverage must be in [1, 125], got %d", c.Leverage)
	}
	if c.ReentryBufferPct < 0 || c.ReentryBufferPct >= 1 {
		return fmt.Errorf("reentry buffer pct must be in [0, 1), got %v", c.ReentryBufferPct)
	}
	if c.SimulateBalance <= 0 && c.SimulateTrading {
		return fmt.Errorf("simulate balance must be positive, got %v", c.SimulateBalance)
	}
	if c.QtyPrecision < 0 || c.QtyPrecision > 8 {
		return fmt.Errorf("qty precision must be in [0, 8], got %d", c.QtyPrecision)
	}
	if c.PriceRound < 0 || c.PriceRound > 8 {
		return fmt.Errorf("price round must be in [0, 8], got %d", c.PriceRound)
	}
	switch c.StopLossWorkingType {
	case "CONTRACT_PRICE", "MARK_PRICE":
	default:
		return fmt.Errorf("stop loss working type must be CONTRACT_PRICE or MARK_PRICE, got %q", c.StopLossWorkingType)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y":
		return true
	case "0", "false", "f", "no", "n":
		return false
	default:
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
}
