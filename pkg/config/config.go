// Package config loads the smbwire configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (SMBWIRE_*, e.g. SMBWIRE_TIMEOUTS_RESPONSE=10s)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Config is the application-wide configuration object.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts" yaml:"timeouts"`
	Limits     LimitsConfig     `mapstructure:"limits" yaml:"limits"`
	Dialect    DialectConfig    `mapstructure:"dialect" yaml:"dialect"`
	Signing    SigningConfig    `mapstructure:"signing" yaml:"signing"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
	DFS        DFSConfig        `mapstructure:"dfs" yaml:"dfs"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus endpoint of the CLI.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
}

// TransportConfig controls how connections are dialed.
type TransportConfig struct {
	Port        int           `mapstructure:"port" validate:"gte=1,lte=65535" yaml:"port"`
	Socks5      string        `mapstructure:"socks5" validate:"omitempty,url" yaml:"socks5"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0" yaml:"dial_timeout"`
}

// TimeoutsConfig bounds waits inside the multiplexer.
type TimeoutsConfig struct {
	// Response applies when neither the request nor the context sets a deadline.
	Response time.Duration `mapstructure:"response" validate:"gt=0" yaml:"response"`
	// Credit bounds the wait for flow-control credits.
	Credit time.Duration `mapstructure:"credit" validate:"gt=0" yaml:"credit"`
	// Write bounds a single frame write on the socket.
	Write time.Duration `mapstructure:"write" validate:"gt=0" yaml:"write"`
}

// LimitsConfig caps sizes and credits.
type LimitsConfig struct {
	MaxCredits       uint16 `mapstructure:"max_credits" validate:"gte=1,lte=8192" yaml:"max_credits"`
	MaxReadSize      uint32 `mapstructure:"max_read_size" validate:"gte=4096" yaml:"max_read_size"`
	MaxWriteSize     uint32 `mapstructure:"max_write_size" validate:"gte=4096" yaml:"max_write_size"`
	MaxTransactSize  uint32 `mapstructure:"max_transact_size" validate:"gte=4096" yaml:"max_transact_size"`
	NotifyBufferSize uint32 `mapstructure:"notify_buffer_size" validate:"gte=64" yaml:"notify_buffer_size"`
	MaxFrameSize     int    `mapstructure:"max_frame_size" validate:"gte=65536,lte=16777215" yaml:"max_frame_size"`
}

// DialectConfig bounds the negotiated dialect.
type DialectConfig struct {
	Min       string `mapstructure:"min" validate:"required,oneof=2.0.2 2.1 3.0 3.0.2 3.1.1" yaml:"min"`
	Max       string `mapstructure:"max" validate:"required,oneof=2.0.2 2.1 3.0 3.0.2 3.1.1" yaml:"max"`
	ForceSMB1 bool   `mapstructure:"force_smb1" yaml:"force_smb1"`
}

// Range parses Min and Max.
func (d DialectConfig) Range() (lo, hi types.Dialect, err error) {
	if lo, err = types.ParseDialect(d.Min); err != nil {
		return 0, 0, fmt.Errorf("dialect.min: %w", err)
	}
	if hi, err = types.ParseDialect(d.Max); err != nil {
		return 0, 0, fmt.Errorf("dialect.max: %w", err)
	}
	return lo, hi, nil
}

// SigningConfig controls message signing.
type SigningConfig struct {
	Required bool `mapstructure:"required" yaml:"required"`
}

// EncryptionConfig only affects connection reuse; messages are never encrypted.
type EncryptionConfig struct {
	Required bool `mapstructure:"required" yaml:"required"`
}

// DFSConfig controls referral resolution and caching.
type DFSConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL              time.Duration `mapstructure:"ttl" validate:"gte=0" yaml:"ttl"`
	ConvertToFQDN    bool          `mapstructure:"convert_to_fqdn" yaml:"convert_to_fqdn"`
	Domain           string        `mapstructure:"domain" validate:"omitempty,hostname_rfc1123" yaml:"domain"`
	DomainController string        `mapstructure:"domain_controller" validate:"omitempty,hostname_rfc1123" yaml:"domain_controller"`
	MaxHops          int           `mapstructure:"max_hops" validate:"gte=1,lte=32" yaml:"max_hops"`
	MaxReferralLevel uint16        `mapstructure:"max_referral_level" validate:"gte=1,lte=4" yaml:"max_referral_level"`
}

// AuthConfig holds authentication settings that are not credentials.
type AuthConfig struct {
	Workstation string `mapstructure:"workstation" yaml:"workstation"`
	Krb5Conf    string `mapstructure:"krb5_conf" yaml:"krb5_conf"`
}

// Load reads configuration from defaults, the file at configPath (or the
// default location when empty) and the environment, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SMBWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	// Seed every key so environment overrides apply without a file.
	base, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" && DefaultConfigExists() {
		configPath = GetDefaultConfigPath()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook accepts "30s"-style strings and raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "smbwire")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "smbwire")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
