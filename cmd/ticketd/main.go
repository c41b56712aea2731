package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/ticketd/internal/apiclient"
	"github.com/alekspetrov/ticketd/internal/config"
)

var version = "0.1.0"

var (
	cfgFile     string
	serverURL   string
	apiToken    string
	ownerHeader string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ticketd",
		Short: "Ticket orchestration engine",
		Long: `ticketd accepts tickets describing AI-assisted work, runs them on a pool
of workers and streams every state change to subscribed clients.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default ~/.ticketd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("TICKETD_SERVER"), "Server URL for client commands (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("TICKETD_TOKEN"), "Bearer token for client commands")
	rootCmd.PersistentFlags().StringVar(&ownerHeader, "owner", os.Getenv("TICKETD_OWNER"), "Owner name when the server runs without auth")

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSubmitCmd(),
		newGetCmd(),
		newListCmd(),
		newReprocessCmd(),
		newDeleteCmd(),
		newEditCmd(),
		newUploadCmd(),
		newWatchCmd(),
		newTokenCmd(),
		newDoctorCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newClient builds an API client from the global flags, falling back to the
// gateway address in the config file.
func newClient() (*apiclient.Client, error) {
	base := serverURL
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		host := cfg.Gateway.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
	}

	var opts []apiclient.Option
	if apiToken != "" {
		opts = append(opts, apiclient.WithToken(apiToken))
	}
	if ownerHeader != "" {
		opts = append(opts, apiclient.WithOwner(ownerHeader))
	}
	return apiclient.New(base, opts...), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show ticketd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ticketd v%s\n", version)
		},
	}
}
