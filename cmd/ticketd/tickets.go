package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/alekspetrov/ticketd/internal/apiclient"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

const requestTimeout = 30 * time.Second

func newSubmitCmd() *cobra.Command {
	var (
		title       string
		description string
		priority    string
		input       string
		inputFile   string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit a ticket",
		Long: `Submit a ticket of the given kind. Kinds: pr_review, doc_analysis,
report_writing, data_query, custom.

Examples:
  ticketd submit pr_review --input '{"pr_url":"https://github.com/o/r/pull/1"}'
  ticketd submit custom --title "Summarize" --input-file prompt.json
  ticketd submit data_query --input '{"question":"weekly signups"}' --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(input, inputFile)
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			res, err := client.Submit(ctx, orchestrator.SubmitRequest{
				Kind:        ticket.Kind(args[0]),
				Title:       title,
				Description: description,
				Priority:    priority,
				Input:       raw,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res.Ticket)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Submitted %s (%s)\n", res.Ticket.ID, res.Ticket.Kind)
			if !res.Queued {
				fmt.Fprintln(out, "  Not queued yet; it will run once the server recovers pending tickets")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Ticket title (default: the kind)")
	cmd.Flags().StringVar(&description, "description", "", "Ticket description")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&input, "input", "", "Task input as JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Read task input JSON (comments allowed) from a file (- for stdin)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

// readInput returns the task input from a flag or a file, validated as JSON.
func readInput(inline, path string) (json.RawMessage, error) {
	var data []byte
	switch {
	case path == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = jsonc.ToJSON(b)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		// Input files may carry comments and trailing commas.
		data = jsonc.ToJSON(b)
	case inline != "":
		data = []byte(inline)
	default:
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newGetCmd() *cobra.Command {
	var (
		attempts   bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			t, err := client.Get(ctx, args[0])
			if err != nil {
				return err
			}
			var history []*ticket.Attempt
			if attempts {
				if history, err = client.Attempts(ctx, t.ID); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if attempts {
					return printJSON(out, map[string]any{"ticket": t, "attempts": history})
				}
				return printJSON(out, t)
			}
			printTicket(out, t)
			if attempts {
				printAttempts(out, history)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&attempts, "attempts", false, "Include the execution history")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		state      string
		kind       string
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your tickets, newest first",
		Long: `List tickets owned by the caller.

Examples:
  ticketd list
  ticketd list --state failed
  ticketd list --kind pr_review --limit 10 --offset 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := apiclient.ListOptions{Kind: ticket.Kind(kind), Limit: limit, Offset: offset}
			if state != "" {
				s, err := ticket.ParseState(strings.ToLower(state))
				if err != nil {
					return err
				}
				opts.State = s
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			res, err := client.List(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			printTicketTable(out, res.Tickets, time.Now())
			fmt.Fprintf(out, "\n%d of %d shown\n", len(res.Tickets), res.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (pending, processing, completed, failed)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <ticket-id>",
		Short: "Queue a failed ticket again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			t, err := client.Reprocess(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reprocessing %s (attempt %d so far)\n", t.ID, t.AttemptCount)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ticket-id>",
		Short: "Delete a completed or failed ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if err := client.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newEditCmd() *cobra.Command {
	var title, description, priority string

	cmd := &cobra.Command{
		Use:   "edit <ticket-id>",
		Short: "Change a ticket's title, description or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req orchestrator.DetailsRequest
			if cmd.Flags().Changed("title") {
				req.Title = &title
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if req.Title == nil && req.Description == nil && req.Priority == nil {
				return fmt.Errorf("nothing to change: pass --title, --description or --priority")
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			t, err := client.UpdateDetails(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s: %s [%s]\n", t.ID, t.Title, t.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&priority, "priority", "", "New priority (low, medium, high, urgent)")
	return cmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document and print its file_ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()

			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			stored, err := client.Upload(ctx, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stored.FileRef)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTicket(w io.Writer, t *ticket.Ticket) {
	fmt.Fprintf(w, "Ticket %s\n", t.ID)
	fmt.Fprintln(w, "───────────────────────────────────────")
	fmt.Fprintf(w, "Title:     %s\n", t.Title)
	fmt.Fprintf(w, "Kind:      %s\n", t.Kind)
	fmt.Fprintf(w, "Priority:  %s\n", t.Priority)
	fmt.Fprintf(w, "State:     %s\n", t.State)
	fmt.Fprintf(w, "Attempts:  %d\n", t.AttemptCount)
	fmt.Fprintf(w, "Created:   %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:   %s\n", t.UpdatedAt.Local().Format(time.RFC3339))
	if t.ModelUsed != "" {
		fmt.Fprintf(w, "Model:     %s (%d tokens)\n", t.ModelUsed, t.TokensUsed)
	}
	if t.Error != nil {
		retry := "permanent"
		if t.Error.Retryable {
			retry = "retryable"
		}
		fmt.Fprintf(w, "Error:     %s (%s): %s\n", t.Error.Code, retry, t.Error.Reason)
	}
	if len(t.Result) > 0 {
		fmt.Fprintln(w, "Result:")
		var pretty any
		if json.Unmarshal(t.Result, &pretty) == nil {
			data, _ := json.MarshalIndent(pretty, "  ", "  ")
			fmt.Fprintf(w, "  %s\n", data)
		} else {
			fmt.Fprintf(w, "  %s\n", t.Result)
		}
	}
}

func printAttempts(w io.Writer, attempts []*ticket.Attempt) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Attempts:")
	if len(attempts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, a := range attempts {
		fmt.Fprintf(tw, "  #%d\t%s\t%s\t%s\t%s\n",
			a.Number, a.Outcome, a.Duration.Round(time.Millisecond), a.WorkerID, a.Reason)
	}
	_ = tw.Flush()
}

func printTicketTable(w io.Writer, tickets []*ticket.Ticket, now time.Time) {
	if len(tickets) == 0 {
		fmt.Fprintln(w, "No tickets")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tATTEMPTS\tUPDATED\tTITLE")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s ago\t%s\n",
			t.ID, t.Kind, t.State, t.AttemptCount, now.Sub(t.UpdatedAt).Round(time.Second), t.Title)
	}
	_ = tw.Flush()
}
