package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Broker.APIKey)
	redact(&out.Broker.AccessToken)
	redact(&out.Broker.EncToken)
	redact(&out.Broker.TokenPassword)

	redact(&out.Signals.APIKey)

	redact(&out.Gateway.APIKey)
	redact(&out.Gateway.APISecret)
	redact(&out.Gateway.SecretPassword)

	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	redact(&out.Redis.URL)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Strategy.Indices != nil {
		out.Strategy.Indices = append([]IndexConfig(nil), cfg.Strategy.Indices...)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
