package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Broker.APIKey = "kite-key"
	cfg.Broker.AccessToken = "kite-token"
	return cfg
}

func TestDefaults_ValidWithCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "scalp"
	cfg.StopLoss.Offset = 0
	cfg.StopLoss.Mode = "atr"
	cfg.Notify.TelegramToken = "t"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "scalp"`)
	assert.Contains(t, msg, "stoploss: offset must be > 0")
	assert.Contains(t, msg, `stoploss: unknown mode "atr"`)
	assert.Contains(t, msg, "telegram_token and telegram_chat_id")
}

func TestValidate_TradeNeedsBrokerAndIndices(t *testing.T) {
	cfg := Defaults()
	cfg.Strategy.Indices = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker: set access_token")
	assert.Contains(t, err.Error(), "strategy: at least one index is required")

	cfg.Broker.UserID = "AB1234"
	cfg.Broker.EncToken = "enc"
	cfg.Strategy.Indices = []IndexConfig{{Name: "NIFTY", Token: 256265}}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DryRunSkipsGatewayButNotDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.DryRun = true
	cfg.Gateway.BaseURL = ""
	require.NoError(t, cfg.Validate())

	cfg.Database.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database: host")

	cfg.Database.DSN = "postgres://localhost/optionbot"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ArchiveMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	// No broker credentials needed to archive.
	require.NoError(t, cfg.Validate())

	cfg.S3.Bucket = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Strategy.Timezone = "Mars/Olympus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy: timezone")
}

func TestClock(t *testing.T) {
	var c clock
	require.NoError(t, c.UnmarshalText([]byte("09:05")))
	assert.Equal(t, 9*time.Hour+5*time.Minute, c.Duration)

	out, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "09:05", string(out))

	assert.Error(t, c.UnmarshalText([]byte("3pm")))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"

[strategy]
cutoff = "15:00"
poll_interval = "2s"

[[strategy.indices]]
name = "NIFTY"
token = 256265
exchange = "NSE"

[stoploss]
offset = 12.5
mode = "trailing"
`), 0o600))

	t.Setenv("OPTIONBOT_STOPLOSS_OFFSET", "20")
	t.Setenv("OPTIONBOT_STRATEGY_CUTOFF", "14:45")
	t.Setenv("OPTIONBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("DATABASE_URL", "postgres://db/optionbot")
	t.Setenv("OPTIONBOT_REDIS_URL", "rediss://:pw@redis.internal:6380/1")
	t.Setenv("OPTIONBOT_REDIS_NAMESPACE", "optionbot:paper")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Strategy.PollInterval.Duration)
	assert.Equal(t, 14*time.Hour+45*time.Minute, cfg.Strategy.Cutoff.Duration)
	require.Len(t, cfg.Strategy.Indices, 1)
	assert.Equal(t, int64(256265), cfg.Strategy.Indices[0].Token)
	assert.Equal(t, 20.0, cfg.StopLoss.Offset)
	assert.Equal(t, "trailing", cfg.StopLoss.Mode)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres://db/optionbot", cfg.Database.DSN)
	assert.Equal(t, "rediss://:pw@redis.internal:6380/1", cfg.Redis.URL)
	assert.Equal(t, "optionbot:paper", cfg.Redis.Namespace)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://api.kite.trade", cfg.Broker.RestURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.APISecret = "gw-secret"
	cfg.Database.DSN = "postgres://user:pw@db/optionbot"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Broker.AccessToken)
	assert.Equal(t, "***", red.Gateway.APISecret)
	assert.Equal(t, "***", red.Database.DSN)
	assert.Empty(t, red.Redis.Password)
	assert.Empty(t, red.Redis.URL)
	assert.Equal(t, "kite-token", cfg.Broker.AccessToken)

	red.Strategy.Indices[0].Name = "changed"
	assert.Equal(t, "BANKNIFTY", cfg.Strategy.Indices[0].Name)
}

func TestValidate_RedisURLReplacesAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr or url must be set")

	cfg.Redis.URL = "redis://cache:6379/0"
	assert.NoError(t, cfg.Validate())
}
