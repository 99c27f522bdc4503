// Package config loads the core's configuration surface (spec.md §6)
// from a YAML file, environment variables, and defaults, grounded on
// the teacher's daemon/config.Config shape and replacing its stub
// LoadConfig with a real spf13/viper-backed loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full daemon configuration surface.
type Config struct {
	// Service addresses.
	RESTAddress    string `mapstructure:"rest_address"`
	MetricsAddress string `mapstructure:"metrics_address"`

	// Storage paths.
	DataDirectory string `mapstructure:"data_directory"`

	// Capture pipeline, spec.md §6.
	ChunkIntervalMs     int64   `mapstructure:"chunk_interval_ms"`
	MaxRetries          int     `mapstructure:"max_retries"`
	BaseDelayMs         int64   `mapstructure:"base_delay_ms"`
	MaxDelayMs          int64   `mapstructure:"max_delay_ms"`
	QuotaWarnFraction   float64 `mapstructure:"quota_warn_fraction"`
	QuotaRejectFraction float64 `mapstructure:"quota_reject_fraction"`
	ManifestVersion     int     `mapstructure:"manifest_version"`
	AEADNonceBytes      int     `mapstructure:"aead_nonce_bytes"`
	HKDFSalt            string  `mapstructure:"hkdf_salt"`
	GroupWrapHKDFSalt   string  `mapstructure:"group_wrap_hkdf_salt"`
	GroupWrapHKDFInfo   string  `mapstructure:"group_wrap_hkdf_info"`

	// Durable store sizing.
	QuotaBytes int64 `mapstructure:"quota_bytes"`

	// Key custody. KeystorePassphrase is read from WITNESS_KEYSTORE_PASSPHRASE
	// in practice; it is never written to the YAML file on disk.
	GroupSecretDir     string `mapstructure:"group_secret_dir"`
	SignerKeyDir        string `mapstructure:"signer_key_dir"`
	KeystorePassphrase  string `mapstructure:"keystore_passphrase"`

	// Upload queue concurrency; spec.md §4.4 fixes this at 1, and
	// Validate rejects any other value.
	QueueConcurrency int `mapstructure:"queue_concurrency"`

	// Observability.
	LogLevel           string `mapstructure:"log_level"`
	JaegerEndpoint     string `mapstructure:"jaeger_endpoint"`
	ServiceName        string `mapstructure:"service_name"`
	EventBufferSize    int    `mapstructure:"event_buffer_size"`
}

// ChunkInterval returns ChunkIntervalMs as a time.Duration.
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// BaseDelay returns BaseDelayMs as a time.Duration.
func (c *Config) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMs) * time.Millisecond }

// MaxDelay returns MaxDelayMs as a time.Duration.
func (c *Config) MaxDelay() time.Duration { return time.Duration(c.MaxDelayMs) * time.Millisecond }

// DefaultConfig returns the configuration surface's documented
// defaults (spec.md §6's table), with data directory rooted under the
// user's home.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "witnessd")

	return &Config{
		RESTAddress:         "127.0.0.1:8080",
		MetricsAddress:      "127.0.0.1:9100",
		DataDirectory:       dataDir,
		ChunkIntervalMs:     10000,
		MaxRetries:          5,
		BaseDelayMs:         1000,
		MaxDelayMs:          30000,
		QuotaWarnFraction:   0.80,
		QuotaRejectFraction: 0.95,
		ManifestVersion:     1,
		AEADNonceBytes:      12,
		HKDFSalt:            "witness-chunk",
		GroupWrapHKDFSalt:   "witness-protocol:group-key",
		GroupWrapHKDFInfo:   "AES-256-GCM-group-wrapping",
		QuotaBytes:          10 << 30, // 10 GiB
		GroupSecretDir:      filepath.Join(dataDir, "keys", "groups"),
		SignerKeyDir:        filepath.Join(dataDir, "keys", "signers"),
		KeystorePassphrase:  "",
		QueueConcurrency:    1,
		LogLevel:            "info",
		JaegerEndpoint:      "",
		ServiceName:         "witnessd",
		EventBufferSize:     100,
	}
}

// Load reads configuration from configPath (YAML) layered over
// defaults, then over WITNESS_-prefixed environment variables, which
// take highest precedence. A missing configPath is not an error: the
// defaults (possibly overridden by env) are used as-is, matching how
// the daemon behaves on a fresh install with no config file yet
// written.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v, DefaultConfig())

	v.SetEnvPrefix("WITNESS")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("rest_address", d.RESTAddress)
	v.SetDefault("metrics_address", d.MetricsAddress)
	v.SetDefault("data_directory", d.DataDirectory)
	v.SetDefault("chunk_interval_ms", d.ChunkIntervalMs)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("base_delay_ms", d.BaseDelayMs)
	v.SetDefault("max_delay_ms", d.MaxDelayMs)
	v.SetDefault("quota_warn_fraction", d.QuotaWarnFraction)
	v.SetDefault("quota_reject_fraction", d.QuotaRejectFraction)
	v.SetDefault("manifest_version", d.ManifestVersion)
	v.SetDefault("aead_nonce_bytes", d.AEADNonceBytes)
	v.SetDefault("hkdf_salt", d.HKDFSalt)
	v.SetDefault("group_wrap_hkdf_salt", d.GroupWrapHKDFSalt)
	v.SetDefault("group_wrap_hkdf_info", d.GroupWrapHKDFInfo)
	v.SetDefault("quota_bytes", d.QuotaBytes)
	v.SetDefault("group_secret_dir", d.GroupSecretDir)
	v.SetDefault("signer_key_dir", d.SignerKeyDir)
	v.SetDefault("keystore_passphrase", d.KeystorePassphrase)
	v.SetDefault("queue_concurrency", d.QueueConcurrency)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("jaeger_endpoint", d.JaegerEndpoint)
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("event_buffer_size", d.EventBufferSize)
}

// Validate checks the loaded configuration against spec.md §6/§5's
// constraints that aren't self-evident from the type system.
func (c *Config) Validate() error {
	if c.QuotaWarnFraction <= 0 || c.QuotaWarnFraction >= 1 {
		return fmt.Errorf("config: quota_warn_fraction must be in (0,1), got %v", c.QuotaWarnFraction)
	}
	if c.QuotaRejectFraction <= 0 || c.QuotaRejectFraction >= 1 {
		return fmt.Errorf("config: quota_reject_fraction must be in (0,1), got %v", c.QuotaRejectFraction)
	}
	if c.QuotaRejectFraction <= c.QuotaWarnFraction {
		return fmt.Errorf("config: quota_reject_fraction (%v) must exceed quota_warn_fraction (%v)",
			c.QuotaRejectFraction, c.QuotaWarnFraction)
	}
	if c.AEADNonceBytes != 12 {
		return fmt.Errorf("config: aead_nonce_bytes must be 12 per the wire format, got %d", c.AEADNonceBytes)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.BaseDelayMs <= 0 || c.MaxDelayMs < c.BaseDelayMs {
		return fmt.Errorf("config: base_delay_ms (%d) must be positive and <= max_delay_ms (%d)",
			c.BaseDelayMs, c.MaxDelayMs)
	}
	if c.QueueConcurrency != 1 {
		return fmt.Errorf("config: queue_concurrency must be 1, per-session single-flight upload ordering is load-bearing")
	}
	return nil
}
