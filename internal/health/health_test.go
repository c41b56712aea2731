package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/webhooks"
)

func TestStatusSymbol(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "✓"},
		{StatusWarning, "○"},
		{StatusError, "✗"},
		{StatusDisabled, "·"},
		{Status(99), "?"},
	}
	for _, tt := range tests {
		if got := tt.status.Symbol(); got != tt.want {
			t.Errorf("Status(%d).Symbol() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusWarning, "warning"},
		{StatusError, "error"},
		{StatusDisabled, "disabled"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStatusColorSymbol(t *testing.T) {
	// Just verify non-empty and contains the plain symbol
	for _, s := range []Status{StatusOK, StatusWarning, StatusError, StatusDisabled} {
		cs := s.ColorSymbol()
		if !strings.Contains(cs, s.Symbol()) {
			t.Errorf("Status(%d).ColorSymbol() = %q, missing %q", s, cs, s.Symbol())
		}
	}
}

func findCheck(t *testing.T, checks []Check, prefix string) Check {
	t.Helper()
	for _, c := range checks {
		if strings.HasPrefix(c.Name, prefix) {
			return c
		}
	}
	t.Fatalf("no check named %q", prefix)
	return Check{}
}

func findFeature(t *testing.T, features []FeatureStatus, name string) FeatureStatus {
	t.Helper()
	for _, f := range features {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("no feature named %q", name)
	return FeatureStatus{}
}

func TestRunChecksDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Files.UploadDir = t.TempDir()

	ok := func(context.Context) error { return nil }
	report := RunChecks(context.Background(), cfg, Pingers{Store: ok})

	if c := findCheck(t, report.Dependencies, "storage"); c.Status != StatusOK {
		t.Errorf("storage = %+v", c)
	}
	if c := findCheck(t, report.Dependencies, "queue (memory)"); c.Status != StatusOK {
		t.Errorf("queue = %+v", c)
	}
	if c := findCheck(t, report.Config, "config"); c.Status != StatusOK {
		t.Errorf("config = %+v", c)
	}
	if c := findCheck(t, report.Config, "auth"); c.Status != StatusWarning {
		t.Errorf("auth none should warn: %+v", c)
	}
	if c := findCheck(t, report.Config, "ai"); c.Status != StatusWarning || c.Fix == "" {
		t.Errorf("unconfigured ai = %+v", c)
	}
	if c := findCheck(t, report.Config, "upload dir"); c.Status != StatusOK {
		t.Errorf("upload dir = %+v", c)
	}
	if f := findFeature(t, report.Features, "Webhooks"); f.Enabled || f.Status != StatusDisabled {
		t.Errorf("webhooks = %+v", f)
	}

	if !report.ReadyToStart() {
		t.Error("defaults should be ready to start")
	}
	errs, warnings := report.Summary()
	if errs != 0 || warnings == 0 {
		t.Errorf("Summary() = %d errors, %d warnings", errs, warnings)
	}
}

func TestRunChecksFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Driver = config.QueueRedis
	cfg.Queue.RedisURL = "redis://localhost:6379/0"
	cfg.Files.UploadDir = t.TempDir() + "/missing"
	cfg.Auth = &gateway.AuthConfig{Type: gateway.AuthTypeJWT, JWTSecret: "x"}
	cfg.Webhooks = &webhooks.Config{Enabled: true}

	down := func(context.Context) error { return errors.New("connection refused") }
	report := RunChecks(context.Background(), cfg, Pingers{Store: down, Redis: down})

	if c := findCheck(t, report.Dependencies, "storage"); c.Status != StatusError || c.Message != "connection refused" {
		t.Errorf("storage = %+v", c)
	}
	if c := findCheck(t, report.Dependencies, "queue (redis)"); c.Status != StatusError {
		t.Errorf("redis = %+v", c)
	}
	if c := findCheck(t, report.Config, "auth"); c.Status != StatusOK {
		t.Errorf("jwt auth = %+v", c)
	}
	if c := findCheck(t, report.Config, "upload dir"); c.Status != StatusWarning {
		t.Errorf("missing upload dir = %+v", c)
	}
	if f := findFeature(t, report.Features, "Webhooks"); f.Status != StatusWarning {
		t.Errorf("webhooks without endpoints = %+v", f)
	}
	if f := findFeature(t, report.Features, "Multi-process"); !f.Enabled {
		t.Errorf("multi-process = %+v", f)
	}
	if report.ReadyToStart() {
		t.Error("unreachable storage must block start")
	}
}

func TestRunChecksInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Orchestrator.Workers = 0

	report := RunChecks(context.Background(), cfg, Pingers{})
	if c := findCheck(t, report.Config, "config"); c.Status != StatusError {
		t.Errorf("config = %+v", c)
	}
	if c := findCheck(t, report.Dependencies, "storage"); c.Status != StatusWarning || c.Message != "not checked" {
		t.Errorf("unchecked storage = %+v", c)
	}
	if report.ReadyToStart() {
		t.Error("invalid config must block start")
	}
}
