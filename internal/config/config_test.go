package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.ChunkIntervalMs != def.ChunkIntervalMs {
		t.Fatalf("chunk_interval_ms: got %d want %d", cfg.ChunkIntervalMs, def.ChunkIntervalMs)
	}
	if cfg.QuotaRejectFraction != def.QuotaRejectFraction {
		t.Fatalf("quota_reject_fraction: got %v want %v", cfg.QuotaRejectFraction, def.QuotaRejectFraction)
	}
	if cfg.HKDFSalt != "witness-chunk" {
		t.Fatalf("hkdf_salt: got %q", cfg.HKDFSalt)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witnessd.yaml")
	contents := []byte("chunk_interval_ms: 5000\nquota_warn_fraction: 0.5\nrest_address: \"0.0.0.0:9000\"\n")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChunkIntervalMs != 5000 {
		t.Fatalf("chunk_interval_ms: got %d want 5000", cfg.ChunkIntervalMs)
	}
	if cfg.QuotaWarnFraction != 0.5 {
		t.Fatalf("quota_warn_fraction: got %v want 0.5", cfg.QuotaWarnFraction)
	}
	if cfg.RESTAddress != "0.0.0.0:9000" {
		t.Fatalf("rest_address: got %q", cfg.RESTAddress)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxRetries != DefaultConfig().MaxRetries {
		t.Fatalf("max_retries should keep default, got %d", cfg.MaxRetries)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing config file should fall back to defaults, got err: %v", err)
	}
	if cfg.ManifestVersion != 1 {
		t.Fatalf("manifest_version: got %d want 1", cfg.ManifestVersion)
	}
}

func TestValidateRejectsBadQuotaFractions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuotaWarnFraction = 0.9
	cfg.QuotaRejectFraction = 0.8
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject quota_reject_fraction <= quota_warn_fraction")
	}
}

func TestValidateRejectsNonDefaultNonceLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AEADNonceBytes = 16
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a non-12-byte AEAD nonce")
	}
}

func TestValidateRejectsConcurrencyOtherThanOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueConcurrency = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject queue_concurrency != 1")
	}
}
