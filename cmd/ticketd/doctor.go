package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose bool
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backing services",
		Long: `Run health checks on storage, the queue, configuration and features.

Shows what's working, what's missing, and how to fix issues.

Examples:
  ticketd doctor             # Run all checks
  ticketd doctor --verbose   # Show fix suggestions
  ticketd doctor --offline   # Skip connecting to storage and Redis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}

			var pingers health.Pingers
			if !offline {
				pingers = livePingers(cfg)
			}
			report := health.RunChecks(cmd.Context(), cfg, pingers)
			printReport(cmd.OutOrStdout(), report, verbose)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed output with fix suggestions")
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not connect to storage or Redis")
	return cmd
}

// livePingers opens short-lived connections to the configured services.
func livePingers(cfg *config.Config) health.Pingers {
	var p health.Pingers
	if cfg.Storage != nil {
		p.Store = func(ctx context.Context) error {
			st, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return st.Ping(ctx)
		}
	}
	if cfg.Queue != nil && cfg.Queue.Driver == config.QueueRedis && cfg.Queue.RedisURL != "" {
		p.Redis = func(ctx context.Context) error {
			client, err := openRedis(ctx, cfg.Queue.RedisURL)
			if err != nil {
				return err
			}
			return client.Close()
		}
	}
	return p
}

func printReport(w io.Writer, report *health.Report, verbose bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ticketd Health Check")
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Dependencies:")
	for _, d := range report.Dependencies {
		fmt.Fprintf(w, "  %s %-18s %s\n", d.Status.ColorSymbol(), d.Name, d.Message)
		if verbose && d.Fix != "" && d.Status != health.StatusOK {
			fmt.Fprintf(w, "                       → %s\n", d.Fix)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	for _, c := range report.Config {
		fmt.Fprintf(w, "  %s %-18s %s\n", c.Status.ColorSymbol(), c.Name, c.Message)
		if verbose && c.Fix != "" && c.Status != health.StatusOK {
			fmt.Fprintf(w, "                       → %s\n", c.Fix)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Features Status:")
	for _, f := range report.Features {
		note := ""
		if f.Note != "" {
			note = " (" + f.Note + ")"
		}
		fmt.Fprintf(w, "  %s %-16s%s\n", f.Status.ColorSymbol(), f.Name, note)
	}
	fmt.Fprintln(w)

	errors, warnings := report.Summary()
	if errors > 0 || warnings > 0 {
		fmt.Fprintln(w, "Recommendations:")
		shown := 0
		const maxRecs = 5
		// Errors first, then warnings.
		for _, want := range []health.Status{health.StatusError, health.StatusWarning} {
			for _, group := range [][]health.Check{report.Dependencies, report.Config} {
				for _, c := range group {
					if c.Status == want && c.Fix != "" && shown < maxRecs {
						fmt.Fprintf(w, "  %d. %s: %s\n", shown+1, c.Name, c.Fix)
						shown++
					}
				}
			}
		}
		fmt.Fprintln(w)
	}

	if report.ReadyToStart() {
		if errors == 0 && warnings == 0 {
			fmt.Fprintln(w, "✅ All systems operational!")
		} else {
			fmt.Fprintf(w, "✅ Ready to start (%d warning(s))\n", warnings)
		}
	} else {
		fmt.Fprintf(w, "❌ Not ready - %d critical error(s)\n", errors)
		fmt.Fprintln(w, "   Fix them before running 'ticketd serve'")
	}
	fmt.Fprintln(w)
}
