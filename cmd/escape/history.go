package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"escape/pkg/control"
	"escape/pkg/model"
	"escape/pkg/store"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent connection attempts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := setup()
			if err != nil {
				return err
			}
			defer r.Close()

			recs, err := attempts(cmd.Context(), r.cfg.State.TempDir(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTRANSPORT\tRESULT\tDURATION\tERROR")
			for _, rec := range recs {
				result := "ok"
				if !rec.Success {
					result = "failed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rec.Timestamp.Local().Format(time.DateTime), rec.Transport, result,
					rec.Duration.Round(time.Millisecond), rec.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts to show, 0 for all")
	return cmd
}

// attempts asks the running instance, which can open sealed fields, and
// falls back to reading the journal directly.
func attempts(ctx context.Context, dir string, limit int) ([]model.AttemptRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := control.Call(cctx, filepath.Join(dir, control.SocketFile), control.Request{Op: control.OpHistory, Limit: limit})
	if err == nil && resp.OK {
		return resp.Attempts, nil
	}

	j, err := store.OpenSQLite(filepath.Join(dir, store.JournalFile), nil)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.ListAttempts(limit)
}
