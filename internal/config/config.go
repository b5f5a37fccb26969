package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Log        LogConfig        `yaml:"log"`
	CopyTrade  CopyTradeConfig  `yaml:"copy_trade"`
	Brokers    BrokersConfig    `yaml:"brokers"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds the secret used to verify Supabase-issued access tokens
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Audience string `yaml:"audience"`
}

type EncryptionConfig struct {
	CredentialKey string `yaml:"credential_key"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CopyTradeConfig tunes the execution pipeline
type CopyTradeConfig struct {
	DedupWindow          time.Duration `yaml:"dedup_window"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	WorkerEnabled        bool          `yaml:"worker_enabled"`
	StreamEnabled        bool          `yaml:"stream_enabled"`
	MaxConcurrentPolls   int           `yaml:"max_concurrent_polls"`
	BrokerTimeout        time.Duration `yaml:"broker_timeout"`
	TokenRefreshSkew     time.Duration `yaml:"token_refresh_skew"`
	PriceTolerance       float64       `yaml:"price_tolerance"`
	StuckPendingAfter    time.Duration `yaml:"stuck_pending_after"`
	HubURL               string        `yaml:"hub_url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type BrokerEndpoint struct {
	BaseURL        string  `yaml:"base_url"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type BrokersConfig struct {
	ProjectX  BrokerEndpoint `yaml:"projectx"`
	Bybit     BrokerEndpoint `yaml:"bybit"`
	Tradovate BrokerEndpoint `yaml:"tradovate"`
}

// Load loads configuration from file and environment variables.
// A .env file next to the binary is applied to the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override with environment variables if present
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file sets a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, Mode: "release"},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "postgres", DBName: "marketpulse", SSLMode: "disable",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Log:   LogConfig{Level: "info", Format: "json", Dir: "logs", MaxSizeMB: 10, MaxBackups: 30, MaxAgeDays: 30},
		CopyTrade: CopyTradeConfig{
			DedupWindow:          30 * time.Second,
			PollInterval:         10 * time.Second,
			MaxConcurrentPolls:   8,
			BrokerTimeout:        15 * time.Second,
			TokenRefreshSkew:     5 * time.Minute,
			PriceTolerance:       0.01,
			StuckPendingAfter:    5 * time.Minute,
			HubURL:               "wss://rtc.topstepx.com/hubs/user",
			HandshakeTimeout:     10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Brokers: BrokersConfig{
			ProjectX:  BrokerEndpoint{BaseURL: "https://api.topstepx.com", RateLimit: 10, RateLimitBurst: 5},
			Bybit:     BrokerEndpoint{BaseURL: "https://api.bybit.com", RateLimit: 10, RateLimitBurst: 5},
			Tradovate: BrokerEndpoint{BaseURL: "https://live.tradovateapi.com/v1", RateLimit: 5, RateLimitBurst: 2},
		},
	}
}

// Validate checks settings that the pipeline depends on
func (c *Config) Validate() error {
	if c.CopyTrade.DedupWindow <= 0 {
		return fmt.Errorf("copy_trade.dedup_window must be positive")
	}
	if c.CopyTrade.PollInterval <= 0 {
		return fmt.Errorf("copy_trade.poll_interval must be positive")
	}
	// The window must comfortably cover a poll interval plus jitter.
	if c.CopyTrade.DedupWindow < 2*c.CopyTrade.PollInterval {
		return fmt.Errorf("copy_trade.dedup_window (%s) must be at least twice poll_interval (%s)",
			c.CopyTrade.DedupWindow, c.CopyTrade.PollInterval)
	}
	if c.CopyTrade.ReconnectBaseDelay <= 0 || c.CopyTrade.ReconnectMaxDelay < c.CopyTrade.ReconnectBaseDelay {
		return fmt.Errorf("copy_trade reconnect delays are inconsistent")
	}
	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}

	// Encryption
	if v := os.Getenv("CREDENTIAL_KEY"); v != "" {
		c.Encryption.CredentialKey = v
	}

	// Log
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Copy trade
	if v := os.Getenv("COPY_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CopyTrade.DedupWindow = d
		}
	}
	if v := os.Getenv("COPY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CopyTrade.PollInterval = d
		}
	}
	if v := os.Getenv("COPY_WORKER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CopyTrade.WorkerEnabled = b
		}
	}
	if v := os.Getenv("COPY_STREAM_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CopyTrade.StreamEnabled = b
		}
	}
	if v := os.Getenv("COPY_HUB_URL"); v != "" {
		c.CopyTrade.HubURL = v
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
