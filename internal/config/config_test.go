package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sending.StartHour != 9 || cfg.Sending.EndHour != 17 {
		t.Errorf("expected 9-17 window, got %d-%d", cfg.Sending.StartHour, cfg.Sending.EndHour)
	}
	if cfg.Deliverability.BounceRate != 5.0 || cfg.Deliverability.FailureRate != 10.0 {
		t.Errorf("unexpected thresholds: %+v", cfg.Deliverability)
	}
	if cfg.Verification.DailyCap != 25 {
		t.Errorf("expected daily cap 25, got %d", cfg.Verification.DailyCap)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
sending:
  default_start_hour: 20
  default_end_hour: 6
deliverability:
  window: 30m
  bounce_rate: 3.5
`)
	t.Setenv("SPIKE_FAILURE_RATE", "12.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sending.StartHour != 20 || cfg.Sending.EndHour != 6 {
		t.Errorf("expected overnight window from file, got %d-%d", cfg.Sending.StartHour, cfg.Sending.EndHour)
	}
	if cfg.Deliverability.Window != 30*time.Minute {
		t.Errorf("expected 30m window, got %s", cfg.Deliverability.Window)
	}
	if cfg.Deliverability.BounceRate != 3.5 {
		t.Errorf("expected bounce rate from file, got %v", cfg.Deliverability.BounceRate)
	}
	if cfg.Deliverability.FailureRate != 12.5 {
		t.Errorf("expected failure rate from env, got %v", cfg.Deliverability.FailureRate)
	}
}

func TestValidateRejectsBadHours(t *testing.T) {
	cfg := Default()
	cfg.Sending.EndHour = 24
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for end hour 24")
	}
}

func TestValidateRejectsUnknownClassifier(t *testing.T) {
	cfg := Default()
	cfg.Classifier.Kind = "magic"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown classifier kind")
	}
}

func TestValidateLockMustOutliveSend(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LockTTL = 30 * time.Second
	cfg.Scheduler.SendTimeout = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when the lock TTL equals the send timeout")
	}

	cfg.Redis.LockTTL = time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("a minute covers a 30s send: %v", err)
	}

	cfg.Verification.Enabled = true
	cfg.Verification.Timeout = 35 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when verification plus send outlast the lock")
	}

	cfg.Redis.Addr = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("the local locker has no TTL: %v", err)
	}
}

func TestValidateUnsubscribeLinks(t *testing.T) {
	cfg := Default()
	if cfg.Unsubscribe.MaxAge != 90*24*time.Hour {
		t.Errorf("unexpected default max age %s", cfg.Unsubscribe.MaxAge)
	}
	cfg.Unsubscribe.BaseURL = "https://out.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a base url without a secret")
	}
	cfg.Unsubscribe.Secret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
