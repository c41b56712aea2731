package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/eventbus"
	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/webhooks"
)

func newServeCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the notification hub and the workers",
		Long: `Run a complete ticketd node: REST API, WebSocket updates, the worker pool
and the watchdog.

With the redis queue driver several nodes (and extra 'ticketd worker'
processes) can share one queue; state changes are relayed between them
over Redis pub/sub so every node's WebSocket clients see every update.

Examples:
  ticketd serve
  ticketd serve --workers 8
  ticketd serve --config ./ticketd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepareDaemon()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cfg, workers)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Override orchestrator.workers")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers and the watchdog without the API",
		Long: `Run only the worker pool and the watchdog. Requires the redis queue
driver to be useful alongside a 'ticketd serve' node; state changes are
published to Redis and reach WebSocket clients through the serving node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepareDaemon()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runWorker(ctx, cfg, workers)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Override orchestrator.workers")
	return cmd
}

// prepareDaemon loads and validates the config and initializes logging.
func prepareDaemon() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logging.WithComponent("ticketd").Info("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// gatewayOptions returns the server options every node derives from cfg.
func gatewayOptions(cfg *config.Config) []gateway.ServerOption {
	opts := []gateway.ServerOption{gateway.WithAuthConfig(cfg.Auth)}
	if cfg.Files != nil && cfg.Files.UploadDir != "" {
		opts = append(opts, gateway.WithUploads(extract.New(cfg.Files.UploadDir, cfg.Files.MaxFileSize)))
	}
	return opts
}

func runServe(ctx context.Context, cfg *config.Config, workers int) error {
	log := logging.WithComponent("ticketd")

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	h := hub.New()
	defer h.Close()

	opts := gatewayOptions(cfg)
	if cfg.Webhooks != nil && cfg.Webhooks.Enabled {
		mgr := webhooks.NewManager(cfg.Webhooks, nil)
		defer func() { _ = mgr.Close() }()
		if _, err := h.Subscribe("webhooks", hub.Filter{All: true}, mgr); err != nil {
			return fmt.Errorf("failed to subscribe webhooks: %w", err)
		}
		opts = append(opts, gateway.WithWebhookStats(mgr))
		log.Info("Webhooks enabled", slog.Int("endpoints", len(cfg.Webhooks.Endpoints)))
	}

	// With Redis every node publishes to the channel and the relay feeds
	// the local hub, so local events are not published to the hub twice.
	var events orchestrator.Publisher = h
	if b.redis != nil {
		pub := eventbus.NewRedisPublisher(b.redis, cfg.Queue.EventsChannel)
		defer func() { _ = pub.Close() }()
		events = pub
		relay := eventbus.NewRelay(b.redis, cfg.Queue.EventsChannel, h)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("Event relay stopped", slog.Any("error", err))
			}
		}()
	}

	orch := orchestrator.New(orchestratorConfig(cfg, workers), b.store, b.queue, b.guard, b.registry, events)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Stop()

	srv, err := gateway.NewServer(cfg.Gateway, orch, h, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, workers int) error {
	log := logging.WithComponent("ticketd")

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var events orchestrator.Publisher
	if b.redis != nil {
		pub := eventbus.NewRedisPublisher(b.redis, cfg.Queue.EventsChannel)
		defer func() { _ = pub.Close() }()
		events = pub
	} else {
		log.Warn("Worker running on the memory queue; it only sees tickets recovered at startup and publishes no events")
	}

	orch := orchestrator.New(orchestratorConfig(cfg, workers), b.store, b.queue, b.guard, b.registry, events)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Stop()

	<-ctx.Done()
	return nil
}
