package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/qsmgw/internal/api"
	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/inspect"
	"github.com/mattjoyce/qsmgw/internal/lock"
	"github.com/mattjoyce/qsmgw/internal/state"
	"github.com/mattjoyce/qsmgw/internal/storage"
	"github.com/mattjoyce/qsmgw/internal/workspace"
)

func newSessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, inspect and prune sessions",
	}
	cmd.AddCommand(newSessionsListCmd(g), newSessionsInspectCmd(g), newSessionsPruneCmd(g))
	return cmd
}

func newSessionsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, g.baseURL()+"/api/sessions", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out api.SessionListResponse
			if err := decodeResponse(resp, &out); err != nil {
				return err
			}
			return printSessionTable(cmd.OutOrStdout(), out.Sessions)
		},
	}
}

func printSessionTable(w io.Writer, sessions []api.StatusResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tCREATED\tERROR")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.Status, s.CreatedAt.Local().Format(time.DateTime), s.Error)
	}
	return tw.Flush()
}

func newSessionsInspectCmd(g *globalFlags) *cobra.Command {
	var (
		jsonOut  bool
		logLines int
	)
	cmd := &cobra.Command{
		Use:   "inspect SESSION_ID",
		Short: "Report a session's recorded history, artifact and log tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := inspect.Build(cmd.Context(), state.NewSessionStore(db), args[0], logLines)
			if err != nil {
				return err
			}
			if jsonOut {
				text, err := inspect.RenderJSON(report)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), inspect.Render(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	cmd.Flags().IntVar(&logLines, "log-lines", inspect.DefaultLogLines, "Run log lines to include")
	return cmd
}

func newSessionsPruneCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete session directories and history older than the retention age",
		Long: `prune works offline: it takes the sessions root lock, so it refuses to run
while the gateway is serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Retention.MaxAge
			}
			deleted, err := pruneSessions(cmd.Context(), cfg, olderThan)
			for _, id := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d session(s) pruned\n", len(deleted))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (default: retention.max_age)")
	return cmd
}

// pruneSessions removes stale session directories and their stored history
// while holding the sessions root lock.
func pruneSessions(ctx context.Context, cfg *config.Config, olderThan time.Duration) ([]string, error) {
	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.SessionsDir))
	if err != nil {
		return nil, fmt.Errorf("sessions root busy: %w", err)
	}
	defer pidLock.Release()

	ws, err := workspace.NewFSManager(cfg.State.SessionsDir)
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	store := state.NewSessionStore(db)

	report, err := ws.Cleanup(ctx, olderThan)
	for _, id := range report.Deleted {
		if derr := store.Delete(ctx, id); derr != nil {
			return report.Deleted, fmt.Errorf("delete history of %s: %w", id, derr)
		}
	}
	return report.Deleted, err
}
