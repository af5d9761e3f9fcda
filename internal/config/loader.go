package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTIONBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTIONBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.RestURL, "OPTIONBOT_BROKER_REST_URL")
	setStr(&cfg.Broker.TickerURL, "OPTIONBOT_BROKER_TICKER_URL")
	setStr(&cfg.Broker.APIKey, "OPTIONBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.AccessToken, "OPTIONBOT_BROKER_ACCESS_TOKEN")
	setStr(&cfg.Broker.UserID, "OPTIONBOT_BROKER_USER_ID")
	setStr(&cfg.Broker.EncToken, "OPTIONBOT_BROKER_ENC_TOKEN")
	setStr(&cfg.Broker.EncryptedTokenPath, "OPTIONBOT_BROKER_ENCRYPTED_TOKEN_PATH")
	setStr(&cfg.Broker.TokenPassword, "OPTIONBOT_BROKER_TOKEN_PASSWORD")
	setFloat64(&cfg.Broker.RequestsPerSecond, "OPTIONBOT_BROKER_REQUESTS_PER_SECOND")
	setDuration(&cfg.Broker.Timeout, "OPTIONBOT_BROKER_TIMEOUT")

	// ── Signals ──
	setStr(&cfg.Signals.BaseURL, "OPTIONBOT_SIGNALS_BASE_URL")
	setStr(&cfg.Signals.APIKey, "OPTIONBOT_SIGNALS_API_KEY")
	setFloat64(&cfg.Signals.RequestsPerSecond, "OPTIONBOT_SIGNALS_REQUESTS_PER_SECOND")
	setDuration(&cfg.Signals.Timeout, "OPTIONBOT_SIGNALS_TIMEOUT")
	setInt(&cfg.Signals.LookbackDays, "OPTIONBOT_SIGNALS_LOOKBACK_DAYS")

	// ── Gateway ──
	setStr(&cfg.Gateway.BaseURL, "OPTIONBOT_GATEWAY_BASE_URL")
	setStr(&cfg.Gateway.APIKey, "OPTIONBOT_GATEWAY_API_KEY")
	setStr(&cfg.Gateway.APISecret, "OPTIONBOT_GATEWAY_API_SECRET")
	setStr(&cfg.Gateway.EncryptedSecretPath, "OPTIONBOT_GATEWAY_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Gateway.SecretPassword, "OPTIONBOT_GATEWAY_SECRET_PASSWORD")
	setStr(&cfg.Gateway.ProductType, "OPTIONBOT_GATEWAY_PRODUCT_TYPE")
	setInt(&cfg.Gateway.QueueSize, "OPTIONBOT_GATEWAY_QUEUE_SIZE")
	setDuration(&cfg.Gateway.OrderTimeout, "OPTIONBOT_GATEWAY_ORDER_TIMEOUT")
	setInt(&cfg.Gateway.OrdersPerSecond, "OPTIONBOT_GATEWAY_ORDERS_PER_SECOND")

	// ── Database ──
	setStr(&cfg.Database.DSN, "OPTIONBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "OPTIONBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "OPTIONBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "OPTIONBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "OPTIONBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "OPTIONBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "OPTIONBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "OPTIONBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "OPTIONBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "OPTIONBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "OPTIONBOT_REDIS_URL")
	setStr(&cfg.Redis.Addr, "OPTIONBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTIONBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTIONBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTIONBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTIONBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTIONBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "OPTIONBOT_REDIS_NAMESPACE")
	setDuration(&cfg.Redis.PriceTTL, "OPTIONBOT_REDIS_PRICE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "OPTIONBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTIONBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTIONBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTIONBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTIONBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTIONBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTIONBOT_S3_FORCE_PATH_STYLE")

	// ── Strategy ──
	setDuration(&cfg.Strategy.PollInterval, "OPTIONBOT_STRATEGY_POLL_INTERVAL")
	setClock(&cfg.Strategy.Cutoff, "OPTIONBOT_STRATEGY_CUTOFF")
	setStr(&cfg.Strategy.Timezone, "OPTIONBOT_STRATEGY_TIMEZONE")

	// ── Stop-loss ──
	setFloat64(&cfg.StopLoss.Offset, "OPTIONBOT_STOPLOSS_OFFSET")
	setStr(&cfg.StopLoss.Mode, "OPTIONBOT_STOPLOSS_MODE")

	// ── Archive ──
	setBool(&cfg.Archive.OnClose, "OPTIONBOT_ARCHIVE_ON_CLOSE")
	setInt(&cfg.Archive.RetentionDays, "OPTIONBOT_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "OPTIONBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "OPTIONBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "OPTIONBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTIONBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTIONBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTIONBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTIONBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTIONBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTIONBOT_MODE")
	setStr(&cfg.LogLevel, "OPTIONBOT_LOG_LEVEL")
	setBool(&cfg.DryRun, "OPTIONBOT_DRY_RUN")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setClock(dst *clock, key string) {
	if v := os.Getenv(key); v != "" {
		var c clock
		if err := c.UnmarshalText([]byte(v)); err == nil {
			*dst = c
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
