package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/weft/pkg/model"

	_ "modernc.org/sqlite"
)

// timeLayout has a fixed-width fraction so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Runs ---

// SaveRun inserts or replaces a run together with its node results.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.RunResult) error {
	s.logger.Debug("sql", "op", "upsert", "table", "runs", "id", run.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id = excluded.workflow_id,
		   status = excluded.status,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at`,
		run.ID, run.WorkflowID, string(run.Status), run.Error,
		run.StartedAt.UTC().Format(timeLayout), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_results WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear node results: %w", err)
	}

	for _, id := range run.NodeIDs() {
		n := run.Nodes[id]
		outputsJSON, err := encodeOutputs(n.Outputs)
		if err != nil {
			return fmt.Errorf("node %s: marshal outputs: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_results (run_id, node_id, analysis, mode, state, outputs, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, id, n.Analysis, string(n.Mode), string(n.State), outputsJSON, n.Error,
			formatTime(n.StartedAt), formatTime(n.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetRun returns the run with its node results, or nil if it does not exist.
// Output data comes back JSON-decoded.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunResult, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, error, started_at, completed_at FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadNodes(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status, and the
// total number of matching runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunResult, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.Status != "" {
		whereSQL = " WHERE status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, error, started_at, completed_at FROM runs`+whereSQL+
			` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	var runs []*model.RunResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	// Node queries run after the cursor is closed; an in-memory database
	// has a single connection.
	for _, run := range runs {
		if err := s.loadNodes(ctx, run); err != nil {
			return nil, 0, err
		}
	}
	return runs, total, nil
}

// DeleteRun removes a run, its node results and its events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) loadNodes(ctx context.Context, run *model.RunResult) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, analysis, mode, state, outputs, error, started_at, completed_at
		 FROM node_results WHERE run_id = ? ORDER BY node_id`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	run.Nodes = make(map[string]*model.NodeResult)
	for rows.Next() {
		var n model.NodeResult
		var mode, state, outputsJSON string
		var startedAt, completedAt *string
		if err := rows.Scan(&n.NodeID, &n.Analysis, &mode, &state, &outputsJSON, &n.Error, &startedAt, &completedAt); err != nil {
			return err
		}
		n.Mode = model.Mode(mode)
		n.State = model.NodeState(state)
		if err := json.Unmarshal([]byte(outputsJSON), &n.Outputs); err != nil {
			return fmt.Errorf("node %s: unmarshal outputs: %w", n.NodeID, err)
		}
		n.StartedAt = parseTime(startedAt)
		n.CompletedAt = parseTime(completedAt)
		run.Nodes[n.NodeID] = &n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.RunResult, error) {
	var run model.RunResult
	var status, startedAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.WorkflowID, &status, &run.Error, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

// --- Events ---

// AppendEvent records one node state transition.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, from_state, to_state, error, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Node, string(ev.From), string(ev.To), ev.Error, ev.Time.UTC().Format(timeLayout),
	)
	return err
}

// ListEvents returns a run's transitions in the order they were recorded.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]model.Event, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, from_state, to_state, error, at FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var from, to, at string
		if err := rows.Scan(&ev.RunID, &ev.Node, &from, &to, &ev.Error, &at); err != nil {
			return nil, err
		}
		ev.From = model.NodeState(from)
		ev.To = model.NodeState(to)
		ev.Time, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// encodeOutputs marshals node outputs. Values whose data has no JSON form
// keep their type and format with null data.
func encodeOutputs(outputs map[string]model.Value) (string, error) {
	safe := make(map[string]model.Value, len(outputs))
	for k, v := range outputs {
		if _, err := json.Marshal(v.Data); err != nil {
			v.Data = nil
		}
		safe[k] = v
	}
	b, err := json.Marshal(safe)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
