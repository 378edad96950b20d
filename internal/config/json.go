package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/mailvault/internal/flagx"
	"github.com/dmitrijs2005/mailvault/internal/timex"
)

// JsonConfig mirrors the config file. Fields are pointers so that absent keys
// leave the current value untouched; in particular an explicitly configured
// prefix is distinguishable from the default one.
type JsonConfig struct {
	AccountID       *string         `json:"account_id"`
	Bucket          *string         `json:"bucket"`
	Endpoint        *string         `json:"endpoint"`
	Region          *string         `json:"region"`
	AccessKeyID     *string         `json:"access_key_id"`
	SecretAccessKey *string         `json:"secret_access_key"`
	Prefix          *string         `json:"prefix"`
	StateDir        *string         `json:"state_dir"`
	CredentialsFile *string         `json:"credentials_file"`
	DaemonInterval  *timex.Duration `json:"daemon_interval"`
}

// parseJson overlays cfg with values from the JSON config file. The file is
// optional; a missing file is not an error, a malformed one is.
func parseJson(cfg *Config) error {
	path := flagx.JsonConfigFlags()
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if jc.AccountID != nil {
		cfg.AccountID = *jc.AccountID
	}
	if jc.Bucket != nil {
		cfg.Bucket = *jc.Bucket
	}
	if jc.Endpoint != nil {
		cfg.Endpoint = *jc.Endpoint
	}
	if jc.Region != nil {
		cfg.Region = *jc.Region
	}
	if jc.AccessKeyID != nil {
		cfg.AccessKeyID = *jc.AccessKeyID
	}
	if jc.SecretAccessKey != nil {
		cfg.SecretAccessKey = *jc.SecretAccessKey
	}
	if jc.Prefix != nil {
		cfg.SetPrefix(*jc.Prefix)
	}
	if jc.StateDir != nil {
		cfg.StateDir = *jc.StateDir
	}
	if jc.CredentialsFile != nil {
		cfg.CredentialsFile = *jc.CredentialsFile
	}
	if jc.DaemonInterval != nil {
		cfg.DaemonInterval = jc.DaemonInterval.Duration
	}
	return nil
}
