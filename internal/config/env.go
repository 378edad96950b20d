package config

import "os"

// parseEnv overlays cfg with environment variables. R2_* names match the
// storage provider docs; MAILVAULT_* names cover tool-local settings.
func parseEnv(cfg *Config) {
	if v, ok := os.LookupEnv("R2_ACCOUNT_ID"); ok {
		cfg.AccountID = v
	}
	if v, ok := os.LookupEnv("R2_BUCKET"); ok {
		cfg.Bucket = v
	}
	if v, ok := os.LookupEnv("R2_ENDPOINT"); ok {
		cfg.Endpoint = v
	}
	if v, ok := os.LookupEnv("R2_REGION"); ok {
		cfg.Region = v
	}
	if v, ok := os.LookupEnv("R2_ACCESS_KEY_ID"); ok {
		cfg.AccessKeyID = v
	}
	if v, ok := os.LookupEnv("R2_SECRET_ACCESS_KEY"); ok {
		cfg.SecretAccessKey = v
	}
	if v, ok := os.LookupEnv("R2_PREFIX"); ok {
		cfg.SetPrefix(v)
	}
	if v, ok := os.LookupEnv("MAILVAULT_STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := os.LookupEnv("MAILVAULT_CREDENTIALS"); ok {
		cfg.CredentialsFile = v
	}
}
