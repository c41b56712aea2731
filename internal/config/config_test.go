package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/gateway"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverSQLite)
	}
	if cfg.Queue.Driver != QueueMemory {
		t.Errorf("Queue.Driver = %q, want %q", cfg.Queue.Driver, QueueMemory)
	}
	if cfg.Orchestrator.StuckAfter < cfg.Orchestrator.ProcessingTimeout {
		t.Error("stuck_after must cover processing_timeout")
	}
	if cfg.AI.APIVersion != "2023-12-01-preview" {
		t.Errorf("AI.APIVersion = %q", cfg.AI.APIVersion)
	}
	if cfg.Files.MaxFileSize != 10*1024*1024 {
		t.Errorf("Files.MaxFileSize = %d", cfg.Files.MaxFileSize)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TICKETD_TEST_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gateway:
  host: 0.0.0.0
  port: 9000
auth:
  type: jwt
  jwt_secret: $TICKETD_TEST_SECRET
storage:
  driver: sqlite3
  path: ~/data/tickets.db
queue:
  driver: redis
  redis_url: redis://localhost:6379/0
orchestrator:
  workers: 8
  processing_timeout: 90s
  stuck_after: 3m
  watchdog_schedule: "@every 30s"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Gateway.Port != 9000 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("env expansion failed, got %q", cfg.Auth.JWTSecret)
	}
	if strings.HasPrefix(cfg.Storage.Path, "~") {
		t.Errorf("Storage.Path not expanded: %q", cfg.Storage.Path)
	}
	if cfg.Orchestrator.Workers != 8 || cfg.Orchestrator.ProcessingTimeout != 90*time.Second {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Queue.Key != "" && cfg.Queue.Key != "ticketd:queue" {
		t.Errorf("Queue.Key = %q", cfg.Queue.Key)
	}
	if cfg.GitHub == nil || cfg.GitHub.BaseURL != "https://api.github.com" {
		t.Errorf("GitHub defaults lost: %+v", cfg.GitHub)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("expected defaults, got port %d", cfg.Gateway.Port)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Orchestrator.Workers = 2
	cfg.Orchestrator.ProcessingTimeout = 45 * time.Second

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Orchestrator.Workers != 2 || loaded.Orchestrator.ProcessingTimeout != 45*time.Second {
		t.Errorf("round trip lost orchestrator settings: %+v", loaded.Orchestrator)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "invalid gateway port"},
		{"jwt without secret", func(c *Config) { c.Auth.Type = gateway.AuthTypeJWT }, "jwt_secret"},
		{"unknown auth", func(c *Config) { c.Auth.Type = "oauth" }, "unknown auth type"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mysql" }, "unknown storage driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.dsn"},
		{"redis without url", func(c *Config) { c.Queue.Driver = QueueRedis }, "redis_url"},
		{"no workers", func(c *Config) { c.Orchestrator.Workers = 0 }, "workers"},
		{"stuck shorter than timeout", func(c *Config) {
			c.Orchestrator.StuckAfter = time.Second
		}, "stuck_after"},
		{"retention days", func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.Days = 0
		}, "retention.days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
