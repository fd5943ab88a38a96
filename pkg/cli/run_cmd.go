package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"querymeta/internal/app"
	"querymeta/internal/dialect"
	"querymeta/internal/export"
	"querymeta/internal/qmm"
	"querymeta/internal/service/query"
)

const queryColumnWidth = 60

func newRunCmd(s *session) *cobra.Command {
	var (
		driver      string
		dsn         string
		dialectName string
		name        string
		execute     string
	)

	cmd := &cobra.Command{
		Use:   "run [script.sql | -]",
		Short: "Run a SQL script through the recorder and print its history",
		Long: `Run executes every statement of a SQL script on the target database,
records it in the query meta model and archives the history. The script is
read from the file argument, from stdin when the argument is "-", or from
--execute.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(cmd, args, execute)
			if err != nil {
				return err
			}

			cfg := *s.cfg
			if cmd.Flags().Changed("driver") {
				cfg.TargetDriver = driver
			}
			if cmd.Flags().Changed("dsn") {
				cfg.TargetDSN = dsn
			}
			if cmd.Flags().Changed("dialect") {
				cfg.SQLDialect = dialectName
			}
			if cmd.Flags().Changed("name") {
				cfg.TargetName = name
			}
			if cfg.TargetDSN == "" {
				return errors.New("no target database: set --dsn or TARGET_DSN (use :memory: for an in-memory database)")
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, app.Deps{Cfg: &cfg, Logger: s.logger})
			if err != nil {
				return err
			}
			results, runErr := a.Query.RunScript(ctx, script)
			// Close first so the connection close is part of the archived run.
			closeErr := a.Close(context.WithoutCancel(ctx))
			snapshots := make([]qmm.Snapshot, 0)
			for _, c := range a.Collector.Connections() {
				snapshots = append(snapshots, c.Snapshot())
			}

			if err := printRun(cmd, a.RunID, results, snapshots); err != nil {
				return err
			}
			return errors.Join(runErr, closeErr)
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "database/sql driver of the target: sqlite3 or duckdb (env TARGET_DRIVER)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Target DSN (env TARGET_DSN)")
	cmd.Flags().StringVar(&dialectName, "dialect", "", "SQL dialect for transaction classification (env SQL_DIALECT)")
	cmd.Flags().StringVar(&name, "name", "", "Container name recorded for the target (env TARGET_NAME)")
	cmd.Flags().StringVarP(&execute, "execute", "e", "", "SQL to run instead of a script file")
	return cmd
}

func readScript(cmd *cobra.Command, args []string, execute string) (string, error) {
	switch {
	case execute != "" && len(args) > 0:
		return "", errors.New("use either --execute or a script argument, not both")
	case execute != "":
		return execute, nil
	case len(args) == 0:
		return "", errors.New("no SQL given: pass a script file, \"-\" for stdin, or --execute")
	case args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read script: %w", err)
		}
		return string(data), nil
	}
}

type runResult struct {
	Statement    string   `json:"statement"`
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowCount     int      `json:"row_count"`
	RowsAffected int64    `json:"rows_affected"`
	Truncated    bool     `json:"truncated,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

func printRun(cmd *cobra.Command, runID string, results []query.Result, snapshots []qmm.Snapshot) error {
	w := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		out := make([]runResult, 0, len(results))
		for _, r := range results {
			out = append(out, runResult{
				Statement:    r.Statement,
				Columns:      r.Columns,
				Rows:         r.Rows,
				RowCount:     r.RowCount,
				RowsAffected: r.RowsAffected,
				Truncated:    r.Truncated,
				DurationMs:   r.Duration.Milliseconds(),
			})
		}
		conns := make([]map[string]any, 0, len(snapshots))
		for _, snap := range snapshots {
			conns = append(conns, export.SnapshotToMap(snap))
		}
		return printJSON(w, map[string]any{
			"run_id":      runID,
			"results":     out,
			"connections": conns,
		})
	}

	for _, r := range results {
		_, _ = fmt.Fprintf(w, "> %s\n", dialect.Summarize(r.Statement, queryColumnWidth))
		if r.Columns == nil {
			_, _ = fmt.Fprintf(w, "%d rows affected (%s)\n\n", r.RowsAffected, r.Duration.Round(time.Microsecond))
			continue
		}
		header := make([]any, len(r.Columns))
		for i, c := range r.Columns {
			header[i] = c
		}
		t := newTable(w, header...)
		for _, row := range r.Rows {
			cells := make([]any, len(row))
			for i, v := range row {
				cells[i] = query.FormatValue(v)
			}
			t.AppendRow(cells)
		}
		t.Render()
		suffix := ""
		if r.Truncated {
			suffix = ", truncated"
		}
		_, _ = fmt.Fprintf(w, "%d rows (%s%s)\n\n", r.RowCount, r.Duration.Round(time.Microsecond), suffix)
	}

	_, _ = fmt.Fprintf(w, "Run %s\n", runID)
	t := newTable(w, "ID", "CONNECTION", "PURPOSE", "STATUS", "ROWS", "DURATION", "TX", "QUERY")
	for _, snap := range snapshots {
		for _, e := range snap.Executions {
			t.AppendRow([]any{
				e.ID,
				snap.Connection.ID,
				e.Statement().Purpose.String(),
				executionStatus(e),
				rowCount(e.UpdateRowCount, e.FetchRowCount),
				formatDuration(e.Duration()),
				transactionMark(e),
				dialect.Summarize(e.QueryText, queryColumnWidth),
			})
		}
	}
	t.Render()
	return nil
}

func executionStatus(e qmm.Execution) string {
	switch {
	case e.HasError():
		return "ERROR"
	case !e.IsClosed():
		return "RUNNING"
	default:
		return "OK"
	}
}

// transactionMark shows how the transaction holding the execution ended.
func transactionMark(e qmm.Execution) string {
	if !e.Transactional {
		return ""
	}
	sp, ok := e.Savepoint()
	if !ok {
		return "open"
	}
	if v, ok := sp.Transaction().Committed.Bool(); ok {
		if v {
			return "committed"
		}
		return "rolled back"
	}
	return "open"
}

func rowCount(updated, fetched int64) string {
	switch {
	case updated >= 0:
		return fmt.Sprintf("%d", updated)
	case fetched > 0:
		return fmt.Sprintf("%d", fetched)
	default:
		return "-"
	}
}

func formatDuration(d time.Duration, ok bool) string {
	if !ok {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
