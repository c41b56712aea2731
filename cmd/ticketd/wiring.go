package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alekspetrov/ticketd/internal/clients/ai"
	"github.com/alekspetrov/ticketd/internal/clients/dataplatform"
	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/clients/github"
	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/guard"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/processors"
	"github.com/alekspetrov/ticketd/internal/queue"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/store/postgres"
	"github.com/alekspetrov/ticketd/internal/store/sqlite"
)

// guardMargin is added to the processing timeout to get the Redis guard TTL,
// so a live run never outlasts its claim.
const guardMargin = time.Minute

// backend holds the shared infrastructure of serve and worker.
type backend struct {
	store    store.Store
	queue    queue.Queue
	guard    guard.Guard
	redis    *redis.Client
	registry *dispatch.Registry
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	b.store = st

	switch cfg.Queue.Driver {
	case config.QueueRedis:
		client, err := openRedis(ctx, cfg.Queue.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = client
		b.queue = queue.NewRedis(client, cfg.Queue.Key)
		b.guard = guard.NewRedis(client, cfg.Queue.GuardPrefix, cfg.Orchestrator.ProcessingTimeout+guardMargin)
	default:
		b.queue = queue.NewMemory()
		b.guard = guard.NewLocal()
	}

	registry, err := dispatch.NewRegistry(processors.All(processorDeps(cfg))...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to build processor registry: %w", err)
	}
	b.registry = registry
	return b, nil
}

// Close releases everything opened by openBackend.
func (b *backend) Close() {
	if b.queue != nil {
		_ = b.queue.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			logging.WithComponent("ticketd").Warn("Failed to close store", slog.Any("error", err))
		}
	}
}

func openStore(ctx context.Context, cfg *config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.DriverSQLite, config.DriverSQLiteCGO:
		return sqlite.Open(cfg.Driver, cfg.Path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func processorDeps(cfg *config.Config) processors.Deps {
	d := processors.Deps{}
	if c := cfg.AI; c != nil && c.Endpoint != "" {
		d.AI = ai.NewClient(ai.Config{
			Endpoint:    c.Endpoint,
			APIKey:      c.APIKey,
			Deployment:  c.Deployment,
			APIVersion:  c.APIVersion,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
			Timeout:     c.Timeout,
		})
	}
	if c := cfg.GitHub; c != nil {
		d.GitHub = github.NewClientWithBaseURL(c.Token, c.BaseURL, c.Timeout)
		d.MaxDiffBytes = c.MaxDiffBytes
	}
	if c := cfg.Files; c != nil {
		d.Files = extract.New(c.UploadDir, c.MaxFileSize)
	}
	if c := cfg.DataPlatform; c != nil && c.Endpoint != "" {
		d.DataPlatform = dataplatform.NewClient(c.Endpoint, c.Token, c.Timeout)
	}
	return d
}

func orchestratorConfig(cfg *config.Config, workers int) *orchestrator.Config {
	o := cfg.Orchestrator
	oc := &orchestrator.Config{
		Workers:           o.Workers,
		ProcessingTimeout: o.ProcessingTimeout,
		StuckAfter:        o.StuckAfter,
		WatchdogSchedule:  o.WatchdogSchedule,
		RequeueDelay:      o.RequeueDelay,
		DequeueWait:       o.DequeueWait,
	}
	if workers > 0 {
		oc.Workers = workers
	}
	if r := cfg.Retention; r != nil && r.Enabled {
		oc.RetentionEnabled = true
		oc.RetentionAge = time.Duration(r.Days) * 24 * time.Hour
		oc.RetentionSchedule = r.Schedule
		oc.RetentionDryRun = r.DryRun
	}
	return oc
}
