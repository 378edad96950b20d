// Package config resolves runtime settings for the mailvault CLI.
//
// Settings are layered, later layers winning: built-in defaults, then an
// optional JSON config file (located via -c/--config or the per-user config
// directory), then environment variables. Command-line flags are applied on
// top by the cli package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the resolved settings.
type Config struct {
	// Object storage. Endpoint wins over AccountID when both are set;
	// otherwise the Cloudflare R2 endpoint is derived from the account id.
	AccountID       string
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Prefix namespaces every object key. PrefixExplicit records whether the
	// operator chose it (config file, env, or flag) rather than the default;
	// auto-prefixing only replaces a non-explicit prefix.
	Prefix         string
	PrefixExplicit bool

	// Local state directory: index database, checkpoint, token, run lock.
	StateDir string

	// Optional OAuth client secrets file used by the auth command.
	CredentialsFile string

	// Pause between passes in daemon mode.
	DaemonInterval time.Duration
}

// LoadDefaults resets c to the built-in defaults.
func (c *Config) LoadDefaults() {
	c.AccountID = ""
	c.Bucket = ""
	c.Endpoint = ""
	c.Region = "auto"
	c.AccessKeyID = ""
	c.SecretAccessKey = ""
	c.Prefix = "gmail-backup"
	c.PrefixExplicit = false
	c.StateDir = defaultStateDir()
	c.CredentialsFile = ""
	c.DaemonInterval = 15 * time.Minute
}

func defaultStateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "mailvault", "state")
	}
	return filepath.Join(base, "mailvault", "state")
}

func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "mailvault", "config.json")
}

// Load resolves the configuration from defaults, the JSON config file, and
// the environment, in that order.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg); err != nil {
		return nil, err
	}
	parseEnv(cfg)
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")
	return cfg, nil
}

// SetPrefix applies an operator-chosen prefix.
func (c *Config) SetPrefix(prefix string) {
	c.Prefix = strings.TrimRight(prefix, "/")
	c.PrefixExplicit = true
}

// EndpointURL returns the endpoint to talk to, deriving the Cloudflare R2
// URL from the account id when no explicit endpoint is configured.
func (c *Config) EndpointURL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	if c.AccountID != "" {
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
	}
	return ""
}

// Validate checks that object storage is sufficiently configured to run.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("no bucket configured: set R2_BUCKET, the config file bucket field, or --bucket")
	}
	if c.EndpointURL() == "" {
		return errors.New("no endpoint configured: set R2_ACCOUNT_ID or R2_ENDPOINT (or the matching config file fields)")
	}
	return nil
}
