package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/ticketd/internal/apiclient"
	"github.com/alekspetrov/ticketd/internal/dashboard"
	"github.com/alekspetrov/ticketd/internal/logging"
)

func newWatchCmd() *cobra.Command {
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of your tickets",
		Long: `Open a terminal dashboard that follows your tickets over the server's
WebSocket feed.

Keys: j/k select, r reprocess the selected failed ticket, l toggle logs,
q quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Fail fast on a wrong address or credentials instead of
			// opening a dashboard that never connects.
			listCtx, listCancel := context.WithTimeout(ctx, requestTimeout)
			page, err := client.List(listCtx, apiclient.ListOptions{Limit: 50})
			listCancel()
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", client.BaseURL(), err)
			}

			logging.Suppress()

			feed := dashboard.NewFeed(client.WebSocketURL(), client.Header())
			go feed.Run(ctx)

			var actions dashboard.Actions
			if !readOnly {
				actions = client
			}
			model := dashboard.NewModel(client.BaseURL(), feed.Messages(), actions).WithTickets(page.Tickets)
			return dashboard.Run(model)
		},
	}

	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Disable the reprocess key")
	return cmd
}
