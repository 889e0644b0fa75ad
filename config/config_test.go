package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "todo.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envConfigFile, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Registry != "default" || cfg.Ledger.Backend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Auth.Mode != AuthNone || cfg.Redis.IdempotencyTTL != 24*time.Hour || cfg.Notify.HandoffTimeout != 15*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Ledger.LeaseTTL != 30*time.Second || cfg.Redis.PendingTTL != time.Minute {
		t.Fatalf("unexpected lease or pending defaults %+v %+v", cfg.Ledger, cfg.Redis)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9090"
registry = "team"

[ledger]
backend = "file"
dir = "/var/lib/todos"
segment_mb = 8

[redis]
url = "redis://localhost:6379/0"
idempotency_ttl = "2h"

[notify]
workers = 2
`)
	t.Setenv(envConfigFile, path)
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("LEDGER_SYNC_EVERY", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env must override file, got %q", cfg.ListenAddr)
	}
	if cfg.Registry != "team" || cfg.Ledger.Backend != BackendFile || cfg.Ledger.Dir != "/var/lib/todos" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Ledger.SegmentBytes() != 8<<20 || cfg.Ledger.SyncEvery != 16 {
		t.Fatalf("unexpected ledger config %+v", cfg.Ledger)
	}
	if cfg.Redis.IdempotencyTTL != 2*time.Hour || cfg.Notify.Workers != 2 || cfg.Notify.Buffer != 1024 {
		t.Fatalf("unexpected redis/notify config %+v %+v", cfg.Redis, cfg.Notify)
	}
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	t.Setenv(envConfigFile, writeConfig(t, "listen_adr = \":1\"\n"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv(envConfigFile, "")
	t.Setenv("NOTIFY_WORKERS", "many")
	t.Setenv("DEDUPER_TTL", "soon")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"NOTIFY_WORKERS", "DEDUPER_TTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Ledger.Backend = "s3" }, wantErr: "unsupported ledger backend"},
		{name: "table without connection", mutate: func(c *Config) { c.Ledger.Backend = BackendTable }, wantErr: "azure.connection_string"},
		{name: "table configured", mutate: func(c *Config) {
			c.Ledger.Backend = BackendTable
			c.Azure.ConnectionString = "UseDevelopmentStorage=true"
		}},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Ledger.Backend = BackendMySQL }, wantErr: "mysql.dsn"},
		{name: "file with zero segment", mutate: func(c *Config) {
			c.Ledger.Backend = BackendFile
			c.Ledger.SegmentMB = 0
		}, wantErr: "segment_mb"},
		{name: "queue without connection", mutate: func(c *Config) { c.Azure.EventsQueue = "todo-events" }, wantErr: "events_queue"},
		{name: "hs256 without secret", mutate: func(c *Config) { c.Auth.Mode = AuthHS256 }, wantErr: "auth.secret"},
		{name: "jwks without domain", mutate: func(c *Config) { c.Auth.Mode = AuthJWKS }, wantErr: "auth.domain"},
		{name: "unknown auth", mutate: func(c *Config) { c.Auth.Mode = "basic" }, wantErr: "unsupported auth mode"},
		{name: "no workers", mutate: func(c *Config) { c.Notify.Workers = 0 }, wantErr: "notify.workers"},
		{name: "table with short lease", mutate: func(c *Config) {
			c.Ledger.Backend = BackendTable
			c.Azure.ConnectionString = "UseDevelopmentStorage=true"
			c.Ledger.LeaseTTL = time.Second
		}, wantErr: "lease_ttl"},
		{name: "pending longer than binding", mutate: func(c *Config) {
			c.Redis.URL = "redis://localhost:6379/0"
			c.Redis.PendingTTL = 48 * time.Hour
		}, wantErr: "pending_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
