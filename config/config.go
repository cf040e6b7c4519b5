package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	TradingConfig  TradingConfig  `json:"trading"`
	FeedConfig     FeedConfig     `json:"feed"`
	MonitorConfig  MonitorConfig  `json:"monitor"`
	ShutdownConfig ShutdownConfig `json:"shutdown"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// BinanceConfig holds exchange API configuration
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	StreamURL string `json:"stream_url"`
	MockMode  bool   `json:"mock_mode"` // Use simulated exchange when Binance API is unavailable
}

// TradingConfig holds the swing-trade parameters that drive SELL pricing
type TradingConfig struct {
	Symbol           string  `json:"symbol"`
	BuyFeeRate       float64 `json:"buy_fee_rate"`       // Fraction, e.g. 0.001 = 0.1%
	SellFeeRate      float64 `json:"sell_fee_rate"`      // Fraction
	MinProfitRate    float64 `json:"min_profit_rate"`    // Net profit floor after both fees
	MaxOrderNotional float64 `json:"max_order_notional"` // Quote-currency ceiling per order
	PriceTickSize    float64 `json:"price_tick_size"`    // SELL prices round up to this
	DryRun           bool    `json:"dry_run"`            // Log placements without hitting the exchange
}

// FeedConfig holds websocket/polling behaviour for both feed channels
type FeedConfig struct {
	InitialRetryDelay  time.Duration `json:"initial_retry_delay"`
	ReconnectCeiling   time.Duration `json:"reconnect_ceiling"` // Cumulative retry budget before FAILED
	PollInterval       time.Duration `json:"poll_interval"`     // REST fallback cadence while disconnected
	PingInterval       time.Duration `json:"ping_interval"`
	PingTimeout        time.Duration `json:"ping_timeout"`
	ListenKeyKeepAlive time.Duration `json:"listen_key_keep_alive"`
}

// MonitorConfig holds position-age monitoring configuration
type MonitorConfig struct {
	PositionAgeAlert   time.Duration `json:"position_age_alert"`
	CheckInterval      time.Duration `json:"check_interval"`
	ReconcileInterval  time.Duration `json:"reconcile_interval"` // 0 disables periodic reconciliation
}

// ShutdownConfig holds per-component stop timeouts, applied in shutdown order
type ShutdownConfig struct {
	EngineTimeout time.Duration `json:"engine_timeout"`
	FeedTimeout   time.Duration `json:"feed_timeout"`
	FlushTimeout  time.Duration `json:"flush_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional Redis mirror used by external tooling
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ServerConfig holds the read-only status API configuration
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Port           int    `json:"port"`
	Host           string `json:"host"`
	AllowedOrigins string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON output; console format otherwise
}

// Load builds the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", "")
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_API_SECRET", "")
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com")
	cfg.BinanceConfig.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", "wss://stream.binance.com:9443")
	cfg.BinanceConfig.MockMode = getEnvOrDefault("MOCK_MODE", "false") == "true"

	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", "TRUMPUSDC")
	cfg.TradingConfig.BuyFeeRate = getEnvFloatOrDefault("BUY_FEE_RATE", 0.001)
	cfg.TradingConfig.SellFeeRate = getEnvFloatOrDefault("SELL_FEE_RATE", 0.001)
	cfg.TradingConfig.MinProfitRate = getEnvFloatOrDefault("MIN_PROFIT_RATE", 0.003)
	cfg.TradingConfig.MaxOrderNotional = getEnvFloatOrDefault("MAX_ORDER_NOTIONAL", 100)
	cfg.TradingConfig.PriceTickSize = getEnvFloatOrDefault("PRICE_TICK_SIZE", 0.0001)
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "false") == "true"

	cfg.FeedConfig.InitialRetryDelay = getEnvDurationOrDefault("FEED_INITIAL_RETRY_DELAY", time.Second)
	cfg.FeedConfig.ReconnectCeiling = getEnvDurationOrDefault("FEED_RECONNECT_CEILING", 900*time.Second)
	cfg.FeedConfig.PollInterval = getEnvDurationOrDefault("FEED_POLL_INTERVAL", 5*time.Second)
	cfg.FeedConfig.PingInterval = getEnvDurationOrDefault("FEED_PING_INTERVAL", 30*time.Second)
	cfg.FeedConfig.PingTimeout = getEnvDurationOrDefault("FEED_PING_TIMEOUT", 10*time.Second)
	cfg.FeedConfig.ListenKeyKeepAlive = getEnvDurationOrDefault("LISTEN_KEY_KEEP_ALIVE", 30*time.Minute)

	cfg.MonitorConfig.PositionAgeAlert = getEnvDurationOrDefault("POSITION_AGE_ALERT", 10*time.Hour)
	cfg.MonitorConfig.CheckInterval = getEnvDurationOrDefault("POSITION_CHECK_INTERVAL", 5*time.Minute)
	cfg.MonitorConfig.ReconcileInterval = getEnvDurationOrDefault("RECONCILE_INTERVAL", 0)

	cfg.ShutdownConfig.EngineTimeout = getEnvDurationOrDefault("SHUTDOWN_TIMEOUT_ENGINE", 5*time.Second)
	cfg.ShutdownConfig.FeedTimeout = getEnvDurationOrDefault("SHUTDOWN_TIMEOUT_FEED", 5*time.Second)
	cfg.ShutdownConfig.FlushTimeout = getEnvDurationOrDefault("SHUTDOWN_TIMEOUT_FLUSH", 2*time.Second)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "trading_bot")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", "trading_bot_password")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "trading_bot")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	cfg.ServerConfig.Enabled = getEnvOrDefault("WEB_ENABLED", "true") == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8088)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is usable. Credential checks
// are skipped in mock mode so the simulated exchange can run without keys.
func (c *Config) Validate() error {
	if !c.BinanceConfig.MockMode {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			return fmt.Errorf("missing Binance API credentials")
		}
	}
	if c.TradingConfig.Symbol == "" {
		return fmt.Errorf("TRADING_SYMBOL must not be empty")
	}
	if c.TradingConfig.MinProfitRate <= 0 {
		return fmt.Errorf("MIN_PROFIT_RATE must be greater than 0")
	}
	if c.TradingConfig.MaxOrderNotional <= 0 {
		return fmt.Errorf("MAX_ORDER_NOTIONAL must be greater than 0")
	}
	if c.TradingConfig.BuyFeeRate < 0 || c.TradingConfig.BuyFeeRate >= 1 {
		return fmt.Errorf("BUY_FEE_RATE must be in [0, 1)")
	}
	if c.TradingConfig.SellFeeRate < 0 || c.TradingConfig.SellFeeRate >= 1 {
		return fmt.Errorf("SELL_FEE_RATE must be in [0, 1)")
	}
	if c.TradingConfig.PriceTickSize <= 0 {
		return fmt.Errorf("PRICE_TICK_SIZE must be greater than 0")
	}
	if c.FeedConfig.InitialRetryDelay <= 0 {
		return fmt.Errorf("FEED_INITIAL_RETRY_DELAY must be greater than 0")
	}
	if c.FeedConfig.ReconnectCeiling <= c.FeedConfig.InitialRetryDelay {
		return fmt.Errorf("FEED_RECONNECT_CEILING must exceed the initial retry delay")
	}
	if c.FeedConfig.PollInterval <= 0 {
		return fmt.Errorf("FEED_POLL_INTERVAL must be greater than 0")
	}
	if c.FeedConfig.PingTimeout >= c.FeedConfig.PingInterval {
		return fmt.Errorf("FEED_PING_TIMEOUT must be shorter than FEED_PING_INTERVAL")
	}
	if c.MonitorConfig.PositionAgeAlert <= 0 {
		return fmt.Errorf("POSITION_AGE_ALERT must be greater than 0")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
