// Package config loads and validates the ticketd YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/webhooks"
)

// Config represents the main configuration
type Config struct {
	Version      string              `yaml:"version"`
	Gateway      *gateway.Config     `yaml:"gateway"`
	Auth         *gateway.AuthConfig `yaml:"auth"`
	Storage      *StorageConfig      `yaml:"storage"`
	Queue        *QueueConfig        `yaml:"queue"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	AI           *AIConfig           `yaml:"ai"`
	GitHub       *GitHubConfig       `yaml:"github"`
	Files        *FilesConfig        `yaml:"files"`
	DataPlatform *DataPlatformConfig `yaml:"data_platform"`
	Webhooks     *webhooks.Config    `yaml:"webhooks"`
	Retention    *RetentionConfig    `yaml:"retention"`
	Logging      *logging.Config     `yaml:"logging"`
}

// Storage drivers.
const (
	DriverSQLite    = "sqlite"  // modernc.org/sqlite, no cgo
	DriverSQLiteCGO = "sqlite3" // mattn/go-sqlite3
	DriverPostgres  = "postgres"
)

// StorageConfig selects the ticket store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // sqlite database file
	DSN    string `yaml:"dsn"`  // postgres connection string
}

// Queue drivers.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// QueueConfig selects the work queue. The redis driver also provides the
// distributed execution guard and the cross-process event relay.
type QueueConfig struct {
	Driver        string `yaml:"driver"`
	RedisURL      string `yaml:"redis_url"`
	Key           string `yaml:"key"`
	GuardPrefix   string `yaml:"guard_prefix"`
	EventsChannel string `yaml:"events_channel"`
}

// OrchestratorConfig holds worker and watchdog settings
type OrchestratorConfig struct {
	Workers           int           `yaml:"workers"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	StuckAfter        time.Duration `yaml:"stuck_after"`
	WatchdogSchedule  string        `yaml:"watchdog_schedule"`
	RequeueDelay      time.Duration `yaml:"requeue_delay"`
	DequeueWait       time.Duration `yaml:"dequeue_wait"`
}

// AIConfig configures the Azure OpenAI chat completion client.
type AIConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"api_key"`
	Deployment  string        `yaml:"deployment"`
	APIVersion  string        `yaml:"api_version"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// GitHubConfig configures the pull request fetcher.
type GitHubConfig struct {
	Token        string        `yaml:"token"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxDiffBytes int           `yaml:"max_diff_bytes"`
}

// FilesConfig configures document extraction.
type FilesConfig struct {
	UploadDir   string `yaml:"upload_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// DataPlatformConfig configures the natural-language query endpoint.
type DataPlatformConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RetentionConfig controls purging of old completed tickets.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
	DryRun   bool   `yaml:"dry_run"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".ticketd")

	return &Config{
		Version: "1.0",
		Gateway: &gateway.Config{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: &gateway.AuthConfig{
			Type:     gateway.AuthTypeNone,
			TokenTTL: 24 * time.Hour,
			DevOwner: "local",
		},
		Storage: &StorageConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(base, "tickets.db"),
		},
		Queue: &QueueConfig{
			Driver:        QueueMemory,
			Key:           "ticketd:queue",
			GuardPrefix:   "ticketd:guard:",
			EventsChannel: "ticketd:events",
		},
		Orchestrator: &OrchestratorConfig{
			Workers:           4,
			ProcessingTimeout: 5 * time.Minute,
			StuckAfter:        10 * time.Minute,
			WatchdogSchedule:  "@every 1m",
			RequeueDelay:      2 * time.Second,
			DequeueWait:       2 * time.Second,
		},
		AI: &AIConfig{
			APIVersion:  "2023-12-01-preview",
			Deployment:  "gpt-4",
			MaxTokens:   4000,
			Temperature: 0.3,
			Timeout:     2 * time.Minute,
		},
		GitHub: &GitHubConfig{
			BaseURL:      "https://api.github.com",
			Timeout:      30 * time.Second,
			MaxDiffBytes: 60000,
		},
		Files: &FilesConfig{
			UploadDir:   filepath.Join(base, "uploads"),
			MaxFileSize: 10 * 1024 * 1024,
		},
		DataPlatform: &DataPlatformConfig{
			Timeout: time.Minute,
		},
		Webhooks: webhooks.DefaultConfig(),
		Retention: &RetentionConfig{
			Enabled:  false,
			Days:     30,
			Schedule: "0 3 * * *",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Secrets are usually supplied as $VARS.
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Storage != nil {
		config.Storage.Path = expandPath(config.Storage.Path)
	}
	if config.Files != nil {
		config.Files.UploadDir = expandPath(config.Files.UploadDir)
	}
	if config.Logging != nil {
		config.Logging.Output = expandPath(config.Logging.Output)
	}

	return config, nil
}

// Save writes the configuration as YAML, creating the directory if needed.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns ~/.ticketd/config.yaml.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ticketd", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Auth != nil {
		switch c.Auth.Type {
		case gateway.AuthTypeNone:
		case gateway.AuthTypeJWT:
			if c.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required when auth type is jwt")
			}
		default:
			return fmt.Errorf("unknown auth type %q", c.Auth.Type)
		}
	}

	if c.Storage == nil {
		return fmt.Errorf("storage configuration is required")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverSQLiteCGO:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Queue == nil {
		return fmt.Errorf("queue configuration is required")
	}
	switch c.Queue.Driver {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required for driver redis")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	o := c.Orchestrator
	if o == nil {
		return fmt.Errorf("orchestrator configuration is required")
	}
	if o.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be at least 1, got %d", o.Workers)
	}
	if o.ProcessingTimeout <= 0 {
		return fmt.Errorf("orchestrator.processing_timeout must be positive")
	}
	if o.StuckAfter < o.ProcessingTimeout {
		return fmt.Errorf("orchestrator.stuck_after (%s) must not be shorter than processing_timeout (%s)",
			o.StuckAfter, o.ProcessingTimeout)
	}
	if o.WatchdogSchedule == "" {
		return fmt.Errorf("orchestrator.watchdog_schedule is required")
	}

	if c.Retention != nil && c.Retention.Enabled && c.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be at least 1 when retention is enabled")
	}
	return nil
}
