// Package config defines the top-level configuration for the option bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPTIONBOT_* environment variables.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Signals  SignalsConfig  `toml:"signals"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Strategy StrategyConfig `toml:"strategy"`
	StopLoss StopLossConfig `toml:"stoploss"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	// DryRun keeps positions in memory and logs orders instead of sending them.
	DryRun bool `toml:"dry_run"`
}

// BrokerConfig holds the primary venue's REST and ticker credentials.
type BrokerConfig struct {
	RestURL     string `toml:"rest_url"`
	TickerURL   string `toml:"ticker_url"`
	APIKey      string `toml:"api_key"`
	AccessToken string `toml:"access_token"`
	// UserID and EncToken select browser-session auth.
	UserID   string `toml:"user_id"`
	EncToken string `toml:"enc_token"`
	// EncryptedTokenPath points at a file written by `optionbot encrypt-secret`.
	EncryptedTokenPath string   `toml:"encrypted_token_path"`
	TokenPassword      string   `toml:"token_password"`
	RequestsPerSecond  float64  `toml:"requests_per_second"`
	Timeout            duration `toml:"timeout"`
	TickBuffer         int      `toml:"tick_buffer"`
}

// SignalsConfig holds the bar/signal provider endpoint and bar settings.
type SignalsConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Timeout           duration `toml:"timeout"`
	ShortInterval     string   `toml:"short_interval"`
	MediumInterval    string   `toml:"medium_interval"`
	LookbackDays      int      `toml:"lookback_days"`
}

// GatewayConfig holds the secondary venue's order endpoint.
type GatewayConfig struct {
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	ProductType         string   `toml:"product_type"`
	Timeout             duration `toml:"timeout"`
	QueueSize           int      `toml:"queue_size"`
	OrderTimeout        duration `toml:"order_timeout"`
	// OrdersPerSecond is enforced across processes through Redis. Zero
	// disables the shared throttle.
	OrdersPerSecond int `toml:"orders_per_second"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL, when set, replaces addr, password, db and tls_enabled.
	URL          string   `toml:"url"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	Namespace    string   `toml:"namespace"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	PriceTTL     duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// IndexConfig names one underlying the strategy trades.
type IndexConfig struct {
	Name     string `toml:"name"`
	Token    int64  `toml:"token"`
	Exchange string `toml:"exchange"`
}

// StrategyConfig holds the polling loop parameters.
type StrategyConfig struct {
	Indices      []IndexConfig `toml:"indices"`
	PollInterval duration      `toml:"poll_interval"`
	Cutoff       clock         `toml:"cutoff"`
	Timezone     string        `toml:"timezone"`
	EntryLockTTL duration      `toml:"entry_lock_ttl"`
}

// Location resolves Timezone.
func (s StrategyConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// StopLossConfig holds the stop-loss tracker parameters.
type StopLossConfig struct {
	Offset       float64  `toml:"offset"`
	Mode         string   `toml:"mode"`
	WriteTimeout duration `toml:"write_timeout"`
}

// ArchiveConfig controls export of closed positions to S3.
type ArchiveConfig struct {
	OnClose       bool   `toml:"on_close"`
	RetentionDays int    `toml:"retention_days"`
	Prefix        string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// clock is a time of day ("15:15") stored as the offset from midnight.
type clock struct {
	time.Duration
}

// UnmarshalText parses "HH:MM".
func (c *clock) UnmarshalText(text []byte) error {
	t, err := time.Parse("15:04", string(text))
	if err != nil {
		return fmt.Errorf("time of day %q: want HH:MM", text)
	}
	c.Duration = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (c clock) MarshalText() ([]byte, error) {
	h := int(c.Duration / time.Hour)
	m := int((c.Duration % time.Hour) / time.Minute)
	return []byte(fmt.Sprintf("%02d:%02d", h, m)), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			RestURL:           "https://api.kite.trade",
			TickerURL:         "wss://ws.kite.trade",
			RequestsPerSecond: 3,
			Timeout:           duration{10 * time.Second},
			TickBuffer:        1024,
		},
		Signals: SignalsConfig{
			BaseURL:           "http://localhost:8081",
			RequestsPerSecond: 5,
			Timeout:           duration{10 * time.Second},
			ShortInterval:     "minute",
			MediumInterval:    "3minute",
			LookbackDays:      2,
		},
		Gateway: GatewayConfig{
			BaseURL:         "http://localhost:8082",
			ProductType:     "M",
			Timeout:         duration{10 * time.Second},
			QueueSize:       256,
			OrderTimeout:    duration{10 * time.Second},
			OrdersPerSecond: 5,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "optionbot",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			Namespace:  "optionbot",
			PriceTTL:   duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optionbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Strategy: StrategyConfig{
			Indices: []IndexConfig{
				{Name: "BANKNIFTY", Token: 260105, Exchange: "NSE"},
			},
			PollInterval: duration{5 * time.Second},
			Cutoff:       clock{15*time.Hour + 15*time.Minute},
			Timezone:     "Asia/Kolkata",
			EntryLockTTL: duration{30 * time.Second},
		},
		StopLoss: StopLossConfig{
			Offset:       30,
			Mode:         "fixed",
			WriteTimeout: duration{5 * time.Second},
		},
		Archive: ArchiveConfig{
			OnClose:       false,
			RetentionDays: 30,
			Prefix:        "archive/positions",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   20,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "strategic_exit", "stoploss_exit", "order_failed", "trading_day_closed"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStopLossModes = map[string]bool{
	"fixed":    true,
	"trailing": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	live := mode == "trade" || mode == "monitor"

	// Broker
	if live {
		if c.Broker.RestURL == "" {
			errs = append(errs, "broker: rest_url must not be empty")
		}
		if c.Broker.TickerURL == "" {
			errs = append(errs, "broker: ticker_url must not be empty")
		}
		hasToken := c.Broker.AccessToken != "" || c.Broker.EncryptedTokenPath != ""
		hasSession := c.Broker.EncToken != "" && c.Broker.UserID != ""
		if !hasToken && !hasSession {
			errs = append(errs, "broker: set access_token, encrypted_token_path, or enc_token with user_id")
		}
		if hasToken && c.Broker.APIKey == "" {
			errs = append(errs, "broker: api_key is required with an access token")
		}
		if c.Broker.EncryptedTokenPath != "" && c.Broker.TokenPassword == "" {
			errs = append(errs, "broker: token_password is required when encrypted_token_path is set")
		}
	}

	// Signals
	if mode == "trade" {
		if c.Signals.BaseURL == "" {
			errs = append(errs, "signals: base_url must not be empty")
		}
		if c.Signals.LookbackDays < 1 {
			errs = append(errs, "signals: lookback_days must be >= 1")
		}
	}

	// Gateway
	if live && !c.DryRun {
		if c.Gateway.BaseURL == "" {
			errs = append(errs, "gateway: base_url must not be empty")
		}
		if c.Gateway.EncryptedSecretPath != "" && c.Gateway.SecretPassword == "" {
			errs = append(errs, "gateway: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Gateway.QueueSize < 1 {
		errs = append(errs, "gateway: queue_size must be >= 1")
	}

	// Database holds the instrument catalogs, so dry runs need it too.
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" && c.Redis.URL == "" {
		errs = append(errs, "redis: addr or url must be set")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if mode == "archive" || c.Archive.OnClose {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
	}

	// Strategy
	if mode == "trade" {
		if len(c.Strategy.Indices) == 0 {
			errs = append(errs, "strategy: at least one index is required")
		}
		for i, idx := range c.Strategy.Indices {
			if idx.Name == "" || idx.Token <= 0 {
				errs = append(errs, fmt.Sprintf("strategy: indices[%d] needs name and a positive token", i))
			}
		}
		if c.Strategy.PollInterval.Duration <= 0 {
			errs = append(errs, "strategy: poll_interval must be > 0")
		}
	}
	if c.Strategy.Cutoff.Duration <= 0 || c.Strategy.Cutoff.Duration >= 24*time.Hour {
		errs = append(errs, "strategy: cutoff must be a time of day after 00:00")
	}
	if _, err := c.Strategy.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("strategy: timezone %q: %v", c.Strategy.Timezone, err))
	}

	// Stop-loss
	if c.StopLoss.Offset <= 0 {
		errs = append(errs, "stoploss: offset must be > 0")
	}
	if !validStopLossModes[strings.ToLower(c.StopLoss.Mode)] {
		errs = append(errs, fmt.Sprintf("stoploss: unknown mode %q (valid: fixed, trailing)", c.StopLoss.Mode))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
