package config

import (
	"strings"
	"time"
)

// Defaults
const (
	DefaultPort             = 445
	DefaultDialTimeout      = 10 * time.Second
	DefaultResponseTimeout  = 60 * time.Second
	DefaultCreditTimeout    = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultMaxCredits       = 128
	DefaultMaxIOSize        = 8 * 1024 * 1024
	DefaultNotifyBufferSize = 64 * 1024
	DefaultMaxFrameSize     = 16*1024*1024 - 1
	DefaultDFSTTL           = 5 * time.Minute
	DefaultDFSMaxHops       = 8
	DefaultReferralLevel    = 4
)

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		DFS: DFSConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Booleans keep whatever was decoded.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9445"
	}

	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = DefaultPort
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = DefaultDialTimeout
	}

	if cfg.Timeouts.Response == 0 {
		cfg.Timeouts.Response = DefaultResponseTimeout
	}
	if cfg.Timeouts.Credit == 0 {
		cfg.Timeouts.Credit = DefaultCreditTimeout
	}
	if cfg.Timeouts.Write == 0 {
		cfg.Timeouts.Write = DefaultWriteTimeout
	}

	l := &cfg.Limits
	if l.MaxCredits == 0 {
		l.MaxCredits = DefaultMaxCredits
	}
	if l.MaxReadSize == 0 {
		l.MaxReadSize = DefaultMaxIOSize
	}
	if l.MaxWriteSize == 0 {
		l.MaxWriteSize = DefaultMaxIOSize
	}
	if l.MaxTransactSize == 0 {
		l.MaxTransactSize = DefaultMaxIOSize
	}
	if l.NotifyBufferSize == 0 {
		l.NotifyBufferSize = DefaultNotifyBufferSize
	}
	if l.MaxFrameSize == 0 {
		l.MaxFrameSize = DefaultMaxFrameSize
	}

	if cfg.Dialect.Min == "" {
		cfg.Dialect.Min = "2.0.2"
	}
	if cfg.Dialect.Max == "" {
		cfg.Dialect.Max = "3.1.1"
	}

	if cfg.DFS.TTL == 0 {
		cfg.DFS.TTL = DefaultDFSTTL
	}
	if cfg.DFS.MaxHops == 0 {
		cfg.DFS.MaxHops = DefaultDFSMaxHops
	}
	if cfg.DFS.MaxReferralLevel == 0 {
		cfg.DFS.MaxReferralLevel = DefaultReferralLevel
	}

	if cfg.Auth.Workstation == "" {
		cfg.Auth.Workstation = "SMBWIRE"
	}
}
