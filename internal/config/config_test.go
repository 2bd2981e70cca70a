package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleHCL = `
server {
  listen_addr    = ":9090"
  environment    = "staging"
  max_body_bytes = 2048
  token_duration = "1h"
}

redis {
  addr = "redis:6379"
  db   = 2
}

idempotency {
  backend        = "redis"
  ttl            = "6h"
  sweep_interval = "15m"
}

queue {
  backend = "sqs"
  name    = "ingest-events"
  region  = "eu-west-1"
  create  = true
}

tracing {
  exporter     = "otlp"
  endpoint     = "http://collector:4318"
  sample_ratio = 0.25
}

log {
  level  = "debug"
  format = "console"
}
`

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyHCL(t *testing.T) {
	cfg := Defaults()
	if err := cfg.applyHCL([]byte(sampleHCL), "anchorpipe.hcl"); err != nil {
		t.Fatalf("applyHCL: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.Environment != "staging" || cfg.MaxBodyBytes != 2048 {
		t.Fatalf("server block not applied: %+v", cfg)
	}
	if cfg.TokenDuration != time.Hour {
		t.Fatalf("TokenDuration = %v", cfg.TokenDuration)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 2 {
		t.Fatalf("redis block not applied: %q %d", cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.LedgerBackend != "redis" || cfg.IdempotencyTTL != 6*time.Hour || cfg.SweepInterval != 15*time.Minute {
		t.Fatalf("idempotency block not applied: %+v", cfg)
	}
	if cfg.QueueBackend != "sqs" || cfg.QueueName != "ingest-events" || cfg.SQSRegion != "eu-west-1" || !cfg.SQSCreate {
		t.Fatalf("queue block not applied: %+v", cfg)
	}
	if cfg.TracingExporter != "otlp" || cfg.TracingSampleRatio != 0.25 {
		t.Fatalf("tracing block not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Fatalf("log block not applied: %+v", cfg)
	}
	// Untouched values keep their defaults.
	if cfg.RateBurst != Defaults().RateBurst {
		t.Fatalf("RateBurst = %d", cfg.RateBurst)
	}
}

func TestApplyHCLErrors(t *testing.T) {
	bad := []string{
		`server { listen_addr = }`,
		`idempotency { ttl = "soon" }`,
		`unknown_block { }`,
	}
	for _, src := range bad {
		cfg := Defaults()
		if err := cfg.applyHCL([]byte(src), "bad.hcl"); err == nil {
			t.Fatalf("applyHCL(%q): expected error", src)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"LISTEN_ADDR":           ":7000",
		"INGEST_MAX_BODY_BYTES": "4096",
		"IDEMPOTENCY_TTL":       "30m",
		"QUEUE_CREATE":          "true",
		"RATE_LIMIT_RPS":        "2.5",
		"REDIS_DB":              "3",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.MaxBodyBytes != 4096 || cfg.IdempotencyTTL != 30*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.SQSCreate || cfg.RateLimitRPS != 2.5 || cfg.RedisDB != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestApplyEnvCollectsErrors(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"REDIS_DB":        "two",
		"IDEMPOTENCY_TTL": "forever",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"REDIS_DB", "IDEMPOTENCY_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func validConfig() Config {
	cfg := Defaults()
	cfg.DatabaseURL = "postgres://localhost/anchorpipe"
	cfg.MasterKey = strings.Repeat("ab", 32)
	cfg.JWTSecret = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing required", func(c *Config) { c.DatabaseURL, c.JWTSecret = "", "" }, "DATABASE_URL, JWT_SECRET"},
		{"memory ledger", func(c *Config) { c.LedgerBackend = "memory" }, ""},
		{"master key file", func(c *Config) { c.MasterKey, c.MasterKeyFile = "", "/run/key" }, ""},
		{"no master key", func(c *Config) { c.MasterKey = "" }, "MASTER_KEY"},
		{"redis without addr", func(c *Config) { c.LedgerBackend = "redis" }, "REDIS_ADDR"},
		{"bad ledger", func(c *Config) { c.LedgerBackend = "mongo" }, "unknown idempotency backend"},
		{"bad queue", func(c *Config) { c.QueueBackend = "kafka" }, "unknown queue backend"},
		{"pubsub without project", func(c *Config) { c.QueueBackend = "pubsub" }, "PUBSUB_PROJECT_ID"},
		{"webhook without secret", func(c *Config) { c.QueueBackend, c.WebhookURL = "webhook", "http://x" }, "QUEUE_WEBHOOK_SECRET"},
		{"non-positive body", func(c *Config) { c.MaxBodyBytes = 0 }, "max body bytes"},
		{"ratio", func(c *Config) { c.TracingSampleRatio = 2 }, "sample ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchorpipe.hcl")
	if err := os.WriteFile(path, []byte(sampleHCL), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://db/anchorpipe")
	t.Setenv("MASTER_KEY", strings.Repeat("cd", 32))
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("LISTEN_ADDR", ":6060")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Fatalf("env should override file, got %q", cfg.ListenAddr)
	}
	if cfg.QueueName != "ingest-events" {
		t.Fatalf("file should override defaults, got %q", cfg.QueueName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.hcl")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
