package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/ticketd/internal/gateway"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <owner>",
		Short: "Mint an API token for an owner",
		Long: `Mint a JWT signed with auth.jwt_secret from the config file. Intended for
development and service accounts; production deployments usually get
tokens from their identity provider using the same secret.

Examples:
  ticketd token alice
  ticketd token ci-bot --ttl 720h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth == nil || cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set in %s", configPath())
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			tokens := gateway.NewTokenService(cfg.Auth.JWTSecret, ttl)
			token, expires, err := tokens.IssueToken(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	return cmd
}
