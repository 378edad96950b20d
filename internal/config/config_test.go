package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"R2_ACCOUNT_ID", "R2_BUCKET", "R2_ENDPOINT", "R2_REGION",
		"R2_ACCESS_KEY_ID", "R2_SECRET_ACCESS_KEY", "R2_PREFIX",
		"MAILVAULT_STATE_DIR", "MAILVAULT_CREDENTIALS",
	}
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok {
			key, v := key, v
			t.Cleanup(func() { _ = os.Setenv(key, v) })
			_ = os.Unsetenv(key)
		}
	}
}

func setArgs(t *testing.T, args ...string) {
	t.Helper()
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	os.Args = append([]string{"testbin"}, args...)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setArgs(t, "-c", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gmail-backup", cfg.Prefix)
	assert.False(t, cfg.PrefixExplicit)
	assert.Equal(t, "auto", cfg.Region)
	assert.Equal(t, 15*time.Minute, cfg.DaemonInterval)
	assert.NotEmpty(t, cfg.StateDir)
}

func TestLoad_JsonFile(t *testing.T) {
	clearEnv(t)
	path := writeTempJSON(t, map[string]any{
		"account_id":      "acc123",
		"bucket":          "mail",
		"prefix":          "vault/alice/",
		"daemon_interval": "5m",
	})
	setArgs(t, "-c", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "acc123", cfg.AccountID)
	assert.Equal(t, "mail", cfg.Bucket)
	assert.Equal(t, "vault/alice", cfg.Prefix, "trailing slash is stripped")
	assert.True(t, cfg.PrefixExplicit)
	assert.Equal(t, 5*time.Minute, cfg.DaemonInterval)
}

func TestLoad_EnvOverridesJson(t *testing.T) {
	clearEnv(t)
	path := writeTempJSON(t, map[string]any{
		"account_id": "from-file",
		"bucket":     "file-bucket",
	})
	setArgs(t, "-c", path)
	t.Setenv("R2_ACCOUNT_ID", "from-env")
	t.Setenv("R2_BUCKET", "env-bucket")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.AccountID)
	assert.Equal(t, "env-bucket", cfg.Bucket)
}

func TestLoad_MalformedJsonFails(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{ nope`), 0o600))
	setArgs(t, "-c", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AbsentJsonKeysKeepDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempJSON(t, map[string]any{"bucket": "only-bucket"})
	setArgs(t, "-c", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gmail-backup", cfg.Prefix)
	assert.False(t, cfg.PrefixExplicit, "prefix not in file must stay non-explicit")
	assert.Equal(t, "auto", cfg.Region)
}

func TestEndpointURL(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "", cfg.EndpointURL())

	cfg.AccountID = "abc"
	assert.Equal(t, "https://abc.r2.cloudflarestorage.com", cfg.EndpointURL())

	cfg.Endpoint = "https://minio.local:9000"
	assert.Equal(t, "https://minio.local:9000", cfg.EndpointURL(), "explicit endpoint wins")
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	cfg.Bucket = "mail"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")

	cfg.AccountID = "acc123"
	assert.NoError(t, cfg.Validate())
}

func TestEnvPrefixMarksExplicit(t *testing.T) {
	clearEnv(t)
	setArgs(t, "-c", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("R2_PREFIX", "custom/space/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "custom/space", cfg.Prefix)
	assert.True(t, cfg.PrefixExplicit)
}
