package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseChannelURLs(t *testing.T) {
	got, err := parseChannelURLs("email=https://a.example|https://b.example; sms=https://c.example")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got["email"]) != 2 || got["email"][1] != "https://b.example" {
		t.Fatalf("unexpected email urls: %#v", got["email"])
	}
	if len(got["sms"]) != 1 {
		t.Fatalf("unexpected sms urls: %#v", got["sms"])
	}
	if _, err := parseChannelURLs("broken"); err == nil {
		t.Fatalf("expected error for entry without channel")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "5")
	t.Setenv("SLA_REMINDER_PERCENTS", "25,75")
	t.Setenv("LOCK_BACKEND", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, problems := Load("core", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.DispatchMaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.DispatchMaxAttempts)
	}
	if len(cfg.SLAReminderPercents) != 2 || cfg.SLAReminderPercents[0] != 25 {
		t.Fatalf("unexpected reminder percents: %#v", cfg.SLAReminderPercents)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DISPATCH_BACKOFF_BASE_MS", "0")
	t.Setenv("SLA_REMINDER_PERCENTS", "50,120")
	t.Setenv("LOCK_BACKEND", "etcd")

	cfg, problems := Load("core", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"DISPATCH_BACKOFF_BASE_MS", "SLA_REMINDER_PERCENTS", "LOCK_BACKEND"} {
		if !fields[want] {
			t.Fatalf("expected problem for %s, got %#v", want, problems)
		}
	}
	if cfg.DispatchBackoffBaseMS != 100 || cfg.LockBackend != "memory" {
		t.Fatalf("expected defaults restored, got base=%d backend=%s", cfg.DispatchBackoffBaseMS, cfg.LockBackend)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	data := `{
  "ENV": "staging",
  "SLA_SWEEP_INTERVAL_MS": 500,
  "WEBHOOK_URLS": {"email": ["https://primary.example", "https://secondary.example"]},
  "OUTBOX_ENABLED": true
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)

	cfg, problems := Load("core", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Env != "staging" || cfg.SLASweepInterval() != 500*time.Millisecond || !cfg.OutboxEnabled {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.WebhookURLs["email"]) != 2 {
		t.Fatalf("unexpected webhook urls: %#v", cfg.WebhookURLs)
	}
}
