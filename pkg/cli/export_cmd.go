package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"querymeta/internal/api"
	"querymeta/internal/db/repository"
	"querymeta/internal/domain"
	"querymeta/internal/export"
)

type exportedConnection struct {
	Connection api.ArchivedConnection `json:"connection"`
	Executions []api.HistoryEntry     `json:"executions"`
}

type exportDocument struct {
	RunID       string               `json:"run_id,omitempty"`
	Connections []exportedConnection `json:"connections"`
}

func newExportCmd(s *session) *cobra.Command {
	var (
		runID string
		file  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export archived connections and executions as JSON",
		Long:  "Export writes the archived history of one run, or of every run when --run is omitted, as a JSON document.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, closeRepo, err := openHistory(s.cfg.ArchiveDBPath)
			if err != nil {
				return err
			}
			defer closeRepo()

			doc, err := buildExport(cmd.Context(), repo, runID)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if file != "" && file != "-" {
				f, err := os.Create(file) //nolint:gosec // path is caller-controlled
				if err != nil {
					return fmt.Errorf("create %s: %w", file, err)
				}
				defer f.Close() //nolint:errcheck
				w = f
			}
			if err := printJSON(w, doc); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			if w != cmd.OutOrStdout() {
				s.logger.Info("history exported", "file", file, "connections", len(doc.Connections))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run to export; all runs when empty")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Write to this file instead of stdout")
	return cmd
}

func buildExport(ctx context.Context, repo *repository.HistoryRepo, runID string) (*exportDocument, error) {
	conns, err := collectPages(ctx, func(ctx context.Context, page domain.PageRequest) ([]domain.ArchivedConnection, int64, error) {
		return repo.ListConnections(ctx, runID, page)
	})
	if err != nil {
		return nil, err
	}

	doc := &exportDocument{RunID: runID, Connections: make([]exportedConnection, 0, len(conns))}
	for _, c := range conns {
		id := c.ID
		entries, err := collectPages(ctx, func(ctx context.Context, page domain.PageRequest) ([]domain.QueryHistoryEntry, int64, error) {
			return repo.ListExecutions(ctx, domain.QueryHistoryFilter{ConnectionID: &id, Page: page})
		})
		if err != nil {
			return nil, err
		}
		execs := make([]api.HistoryEntry, 0, len(entries))
		// Executions are listed newest first; the export reads oldest first.
		for i := len(entries) - 1; i >= 0; i-- {
			execs = append(execs, api.HistoryEntry(entries[i]))
		}
		doc.Connections = append(doc.Connections, exportedConnection{
			Connection: api.ArchivedConnection{
				ID:            c.ID,
				RunID:         c.RunID,
				Info:          export.ConnectionInfoToMap(c.Info),
				Transactional: c.Transactional,
				OpenTime:      c.OpenTime,
				CloseTime:     c.CloseTime,
			},
			Executions: execs,
		})
	}
	return doc, nil
}
