package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/ticketd/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ticketd configuration",
		Long: `Create and inspect the ticketd YAML configuration.

Configuration File Location:
  Default: ~/.ticketd/config.yaml
  Override with --config flag

Secrets may be written as $VARS; they are expanded from the environment
when the file is loaded.`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var (
		outputJSON  bool
		showSecrets bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults and environment expansion.
Secrets are masked unless --show-secrets is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !showSecrets {
				maskSecrets(cfg)
			}

			var data []byte
			if outputJSON {
				data, err = json.MarshalIndent(cfg, "", "  ")
				data = append(data, '\n')
			} else {
				data, err = yaml.Marshal(cfg)
			}
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets in clear text")
	return cmd
}

// maskSecrets replaces credentials in cfg in place.
func maskSecrets(cfg *config.Config) {
	if cfg.Auth != nil {
		cfg.Auth.JWTSecret = mask(cfg.Auth.JWTSecret)
	}
	if cfg.AI != nil {
		cfg.AI.APIKey = mask(cfg.AI.APIKey)
	}
	if cfg.GitHub != nil {
		cfg.GitHub.Token = mask(cfg.GitHub.Token)
	}
	if cfg.DataPlatform != nil {
		cfg.DataPlatform.Token = mask(cfg.DataPlatform.Token)
	}
	if cfg.Storage != nil && cfg.Storage.DSN != "" {
		cfg.Storage.DSN = mask(cfg.Storage.DSN)
	}
	if cfg.Webhooks != nil {
		for _, ep := range cfg.Webhooks.Endpoints {
			ep.Secret = mask(ep.Secret)
		}
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
