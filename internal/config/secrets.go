package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// The catalog is copied so edits to the redacted config stay local.
	if cfg.Categories != nil {
		out.Categories = make([]CategoryConfig, len(cfg.Categories))
		for i, c := range cfg.Categories {
			c.Outcomes = append([]string(nil), c.Outcomes...)
			out.Categories[i] = c
		}
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
