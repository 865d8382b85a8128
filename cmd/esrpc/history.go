package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/esrpc/internal/store"
)

func historyCmd() *cobra.Command {
	var (
		limit     int
		operation string
		prune     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show journaled calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(dataDir())
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			if prune > 0 {
				n, err := st.CallPrune(ctx, time.Now().UTC().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[esrpc] pruned %d calls\n", n)
				return nil
			}

			if len(args) == 1 {
				c, err := st.CallGet(ctx, args[0])
				if err != nil {
					return err
				}
				if c == nil {
					return fmt.Errorf("no call with id %s", args[0])
				}
				return printCall(c)
			}

			calls, err := st.CallList(ctx, store.ListOptions{Operation: operation, Limit: limit})
			if err != nil {
				return err
			}
			if outputFlag != "" {
				p, err := newPrinter(os.Stdout, outputFlag)
				if err != nil {
					return err
				}
				for i := range calls {
					if err := p.print(historyView(&calls[i])); err != nil {
						return err
					}
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSERVER\tOPERATION\tEVENTS\tDURATION\tERROR")
			for _, c := range calls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					c.ID[:8], c.StartedAt.Local().Format(time.DateTime), c.Server, c.Operation,
					c.Events, c.Duration().Round(time.Millisecond), c.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum calls to show")
	cmd.Flags().StringVar(&operation, "operation", "", "Only show calls of this operation")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete calls older than this and exit")
	return cmd
}

// historyView is a call with its payloads inlined as JSON.
func historyView(c *store.Call) map[string]any {
	v := map[string]any{
		"id":         c.ID,
		"server":     c.Server,
		"operation":  c.Operation,
		"streaming":  c.Streaming,
		"events":     c.Events,
		"started_at": c.StartedAt,
	}
	if c.FinishedAt != nil {
		v["finished_at"] = *c.FinishedAt
	}
	if c.Error != "" {
		v["error"] = c.Error
	}
	if len(c.Request) > 0 && json.Valid(c.Request) {
		v["request"] = json.RawMessage(c.Request)
	}
	if len(c.Response) > 0 && json.Valid(c.Response) {
		v["response"] = json.RawMessage(c.Response)
	}
	return v
}

func printCall(c *store.Call) error {
	format := outputFlag
	if format == "" {
		format = "yaml"
	}
	p, err := newPrinter(os.Stdout, format)
	if err != nil {
		return err
	}
	return p.print(historyView(c))
}
