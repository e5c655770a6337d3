package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, DefaultPort, cfg.Transport.Port)
	assert.Equal(t, uint16(DefaultMaxCredits), cfg.Limits.MaxCredits)
	assert.Equal(t, DefaultResponseTimeout, cfg.Timeouts.Response)
	assert.Equal(t, DefaultWriteTimeout, cfg.Timeouts.Write)
	assert.True(t, cfg.DFS.Enabled)
	assert.Equal(t, uint16(4), cfg.DFS.MaxReferralLevel)

	lo, hi, err := cfg.Dialect.Range()
	require.NoError(t, err)
	assert.Equal(t, types.DialectSMB2_0_2, lo)
	assert.Equal(t, types.DialectSMB3_1_1, hi)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
timeouts:
  response: 5s
  credit: 2s
dialect:
  min: "3.0"
  max: "3.1.1"
signing:
  required: true
dfs:
  enabled: false
  ttl: 90s
  domain: corp.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Response)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Credit)
	assert.True(t, cfg.Signing.Required)
	assert.False(t, cfg.DFS.Enabled)
	assert.Equal(t, 90*time.Second, cfg.DFS.TTL)
	assert.Equal(t, "corp.example.com", cfg.DFS.Domain)
	// Untouched sections keep defaults.
	assert.Equal(t, DefaultPort, cfg.Transport.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SMBWIRE_TIMEOUTS_RESPONSE", "45s")
	t.Setenv("SMBWIRE_LIMITS_MAX_CREDITS", "256")
	t.Setenv("SMBWIRE_DIALECT_FORCE_SMB1", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Response)
	assert.Equal(t, uint16(256), cfg.Limits.MaxCredits)
	assert.True(t, cfg.Dialect.ForceSMB1)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }, "Level"},
		{"bad dialect", func(c *Config) { c.Dialect.Max = "4.0" }, "Max"},
		{"inverted range", func(c *Config) { c.Dialect.Min, c.Dialect.Max = "3.1.1", "2.1" }, "above max"},
		{"zero credits", func(c *Config) { c.Limits.MaxCredits = 0 }, "MaxCredits"},
		{"bad socks url", func(c *Config) { c.Transport.Socks5 = "not a url" }, "Socks5"},
		{"credit above response", func(c *Config) { c.Timeouts.Credit = 2 * c.Timeouts.Response }, "credit wait"},
		{"smb1 with encryption", func(c *Config) { c.Dialect.ForceSMB1, c.Encryption.Required = true, true }, "force_smb1"},
		{"too many hops", func(c *Config) { c.DFS.MaxHops = 100 }, "MaxHops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Validate(GetDefaultConfig()))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Transport.Socks5 = "socks5://127.0.0.1:1080"
	cfg.DFS.TTL = 30 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestMarshalUsesYAMLKeys(t *testing.T) {
	out, err := Marshal(GetDefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "max_referral_level: 4")
	assert.Contains(t, string(out), "dfs:")
}
