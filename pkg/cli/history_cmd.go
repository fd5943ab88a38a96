package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"querymeta/internal/api"
	"querymeta/internal/db"
	"querymeta/internal/db/repository"
	"querymeta/internal/dialect"
	"querymeta/internal/domain"
)

// openHistory opens the archive and returns a repository on its read pool.
func openHistory(path string) (*repository.HistoryRepo, func(), error) {
	arc, err := db.OpenArchive(path, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return repository.NewHistoryRepo(arc.Read), func() { _ = arc.Close() }, nil
}

func newHistoryCmd(s *session) *cobra.Command {
	var (
		runID        string
		connectionID uint64
		status       string
		since        time.Duration
		limit        int
		pageToken    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.QueryHistoryFilter{
				Page: domain.PageRequest{MaxResults: limit, PageToken: pageToken},
			}
			if _, err := domain.DecodePageToken(pageToken); err != nil {
				return err
			}
			if runID != "" {
				filter.RunID = &runID
			}
			if cmd.Flags().Changed("connection") {
				filter.ConnectionID = &connectionID
			}
			if status != "" {
				if !domain.ValidStatus(status) {
					return fmt.Errorf("invalid status %q: use RUNNING, OK or ERROR", status)
				}
				filter.Status = &status
			}
			if since > 0 {
				from := time.Now().Add(-since)
				filter.From = &from
			}

			repo, closeRepo, err := openHistory(s.cfg.ArchiveDBPath)
			if err != nil {
				return err
			}
			defer closeRepo()

			entries, total, err := repo.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			next := domain.NextPageToken(filter.Page.Offset(), filter.Page.Limit(), total)
			return printHistory(cmd, entries, total, next)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only executions of this run")
	cmd.Flags().Uint64Var(&connectionID, "connection", 0, "Only executions of this connection id")
	cmd.Flags().StringVar(&status, "status", "", "Only executions with this status (RUNNING, OK, ERROR)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only executions started within this duration, e.g. 1h")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of executions")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Page token from a previous listing")
	return cmd
}

func printHistory(cmd *cobra.Command, entries []domain.QueryHistoryEntry, total int64, next string) error {
	w := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		items := make([]api.HistoryEntry, 0, len(entries))
		for _, e := range entries {
			items = append(items, api.HistoryEntry(e))
		}
		return printJSON(w, api.ListResponse[api.HistoryEntry]{Items: items, NextPageToken: next, Total: total})
	}

	t := newTable(w, "ID", "CONNECTION", "PURPOSE", "STATUS", "ROWS", "DURATION", "STARTED", "QUERY")
	for _, e := range entries {
		duration := "-"
		if e.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *e.DurationMs)
		}
		st := e.Status
		if e.ErrorCode != nil {
			st = fmt.Sprintf("ERROR %d", *e.ErrorCode)
		}
		t.AppendRow([]any{
			e.ID,
			e.ContainerName + " #" + domain.ObjectIDToString(e.ConnectionID),
			e.Purpose,
			st,
			rowCount(e.UpdateRowCount, e.FetchRowCount),
			duration,
			e.CreatedAt.Local().Format(time.DateTime),
			dialect.Summarize(e.QueryText, queryColumnWidth),
		})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "%d of %d executions", len(entries), total)
	if next != "" {
		_, _ = fmt.Fprintf(w, " (next page: --page-token %s)", next)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// collectPages reads every page of a paginated listing.
func collectPages[T any](ctx context.Context, list func(context.Context, domain.PageRequest) ([]T, int64, error)) ([]T, error) {
	var (
		all  []T
		page = domain.PageRequest{MaxResults: domain.MaxMaxResults}
	)
	for {
		items, total, err := list(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		next := domain.NextPageToken(page.Offset(), page.Limit(), total)
		if next == "" || len(items) == 0 {
			return all, nil
		}
		page.PageToken = next
	}
}
