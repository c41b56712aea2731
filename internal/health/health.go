// Package health runs the checks behind `ticketd doctor`.
package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/gateway"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// Report contains all health check results
type Report struct {
	Dependencies []Check
	Config       []Check
	Features     []FeatureStatus
}

// PingFunc tests connectivity to one backing service.
type PingFunc func(ctx context.Context) error

// Pingers are the live connections doctor can test. Nil pingers are reported
// as not checked.
type Pingers struct {
	Store PingFunc
	Redis PingFunc
}

// pingTimeout bounds each connectivity check.
const pingTimeout = 5 * time.Second

// RunChecks performs all health checks based on config
func RunChecks(ctx context.Context, cfg *config.Config, pingers Pingers) *Report {
	return &Report{
		Dependencies: checkDependencies(ctx, cfg, pingers),
		Config:       checkConfig(cfg),
		Features:     checkFeatures(cfg),
	}
}

func checkDependencies(ctx context.Context, cfg *config.Config, pingers Pingers) []Check {
	var checks []Check

	storage := Check{Name: "storage"}
	if cfg.Storage != nil {
		storage.Name = "storage (" + cfg.Storage.Driver + ")"
	}
	switch err := ping(ctx, pingers.Store); {
	case pingers.Store == nil:
		storage.Status = StatusWarning
		storage.Message = "not checked"
	case err != nil:
		storage.Status = StatusError
		storage.Message = err.Error()
		storage.Fix = "check storage.path or storage.dsn"
	default:
		storage.Status = StatusOK
		storage.Message = "reachable"
	}
	checks = append(checks, storage)

	if cfg.Queue == nil || cfg.Queue.Driver != config.QueueRedis {
		checks = append(checks, Check{Name: "queue (memory)", Status: StatusOK, Message: "in-process"})
		return checks
	}

	redis := Check{Name: "queue (redis)"}
	switch err := ping(ctx, pingers.Redis); {
	case pingers.Redis == nil:
		redis.Status = StatusWarning
		redis.Message = "not checked"
	case err != nil:
		redis.Status = StatusError
		redis.Message = err.Error()
		redis.Fix = "check queue.redis_url and that Redis is running"
	default:
		redis.Status = StatusOK
		redis.Message = "reachable"
	}
	return append(checks, redis)
}

func ping(ctx context.Context, fn PingFunc) error {
	if fn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return fn(ctx)
}

func checkConfig(cfg *config.Config) []Check {
	var checks []Check

	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{
			Name:    "config",
			Status:  StatusError,
			Message: err.Error(),
			Fix:     "edit " + config.DefaultConfigPath(),
		})
	} else {
		checks = append(checks, Check{Name: "config", Status: StatusOK, Message: "valid"})
	}

	switch {
	case cfg.Auth == nil || cfg.Auth.Type == gateway.AuthTypeNone || cfg.Auth.Type == "":
		checks = append(checks, Check{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "none (owners are trusted as sent)",
			Fix:     "set auth.type: jwt and auth.jwt_secret",
		})
	default:
		checks = append(checks, Check{Name: "auth", Status: StatusOK, Message: string(cfg.Auth.Type)})
	}

	ai := cfg.AI
	if ai == nil || ai.Endpoint == "" || ai.APIKey == "" {
		checks = append(checks, Check{
			Name:    "ai",
			Status:  StatusWarning,
			Message: "not configured (pr_review, doc_analysis, report_writing, custom will fail)",
			Fix:     "set ai.endpoint and ai.api_key",
		})
	} else {
		checks = append(checks, Check{Name: "ai", Status: StatusOK, Message: "deployment " + ai.Deployment})
	}

	if cfg.GitHub == nil || cfg.GitHub.Token == "" {
		checks = append(checks, Check{
			Name:    "github",
			Status:  StatusWarning,
			Message: "anonymous (low rate limit, public repos only)",
			Fix:     "set github.token",
		})
	} else {
		checks = append(checks, Check{Name: "github", Status: StatusOK, Message: "token set"})
	}

	if cfg.Files != nil {
		if info, err := os.Stat(cfg.Files.UploadDir); err != nil || !info.IsDir() {
			checks = append(checks, Check{
				Name:    "upload dir",
				Status:  StatusWarning,
				Message: cfg.Files.UploadDir + " missing",
				Fix:     "mkdir -p " + cfg.Files.UploadDir,
			})
		} else {
			checks = append(checks, Check{Name: "upload dir", Status: StatusOK, Message: cfg.Files.UploadDir})
		}
	}

	if cfg.DataPlatform == nil || cfg.DataPlatform.Endpoint == "" {
		checks = append(checks, Check{
			Name:    "data platform",
			Status:  StatusWarning,
			Message: "not configured (data_query will fail)",
			Fix:     "set data_platform.endpoint",
		})
	} else {
		checks = append(checks, Check{Name: "data platform", Status: StatusOK, Message: cfg.DataPlatform.Endpoint})
	}

	return checks
}

func checkFeatures(cfg *config.Config) []FeatureStatus {
	var features []FeatureStatus

	hooksEnabled := cfg.Webhooks != nil && cfg.Webhooks.Enabled
	hooks := FeatureStatus{Name: "Webhooks", Enabled: hooksEnabled, Status: boolToStatus(hooksEnabled)}
	if hooksEnabled {
		hooks.Note = fmt.Sprintf("%d endpoint(s)", len(cfg.Webhooks.Endpoints))
		if len(cfg.Webhooks.Endpoints) == 0 {
			hooks.Status = StatusWarning
		}
	}
	features = append(features, hooks)

	retentionEnabled := cfg.Retention != nil && cfg.Retention.Enabled
	retention := FeatureStatus{Name: "Retention", Enabled: retentionEnabled, Status: boolToStatus(retentionEnabled)}
	if retentionEnabled {
		retention.Note = fmt.Sprintf("%d days", cfg.Retention.Days)
		if cfg.Retention.DryRun {
			retention.Note += ", dry run"
		}
	}
	features = append(features, retention)

	distributed := cfg.Queue != nil && cfg.Queue.Driver == config.QueueRedis
	multi := FeatureStatus{Name: "Multi-process", Enabled: distributed, Status: boolToStatus(distributed), Note: "single process"}
	if distributed {
		multi.Note = "redis guard + event relay"
	}
	features = append(features, multi)

	return features
}

// Summary counts errors and warnings across checks.
func (r *Report) Summary() (errors, warnings int) {
	for _, group := range [][]Check{r.Dependencies, r.Config} {
		for _, c := range group {
			switch c.Status {
			case StatusError:
				errors++
			case StatusWarning:
				warnings++
			}
		}
	}
	for _, f := range r.Features {
		if f.Status == StatusWarning {
			warnings++
		}
	}
	return errors, warnings
}

// ReadyToStart reports whether serve can run: no dependency or config errors.
func (r *Report) ReadyToStart() bool {
	errors, _ := r.Summary()
	return errors == 0
}

// boolToStatus converts bool to Status
func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

var statusStyles = map[Status]lipgloss.Style{
	StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	StatusWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	StatusError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	StatusDisabled: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

// ColorSymbol returns Symbol styled for a terminal.
func (s Status) ColorSymbol() string {
	style, ok := statusStyles[s]
	if !ok {
		return s.Symbol()
	}
	return style.Render(s.Symbol())
}
