package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"cuesheet/internal/config"
	"cuesheet/internal/history"
	"cuesheet/internal/remote"
	"cuesheet/internal/store"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		rundownID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a rundown's change history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if rundownID == "" {
				rundownID = cfg.DefaultRundown
			}
			ctx := cmd.Context()

			var backend history.Store
			if cfg.DatabaseURL != "" {
				conn, err := store.Open(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer conn.Close()
				backend = store.NewPostgresStore(conn)
			} else {
				client, err := remote.NewRedisClient(ctx, cfg.RedisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				backend = history.NewRedisStore(client, cfg.KeyPrefix)
			}

			entries, err := history.NewLog(backend, rundownID, cfg.HistoryLimit).Load(ctx, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd, entries)
		},
	}
	cmd.Flags().StringVar(&rundownID, "rundown", "", "rundown id (defaults to CUESHEET_DEFAULT_RUNDOWN)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func printHistory(cmd *cobra.Command, entries []history.Entry) error {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No history")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tRESTORABLE\tDETAILS")
	for _, e := range entries {
		restorable := "no"
		if e.Snapshot != nil {
			restorable = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Actor,
			e.Action,
			restorable,
			formatDetails(e.Details),
		)
	}
	return w.Flush()
}

func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+details[k])
	}
	return strings.Join(parts, " ")
}
