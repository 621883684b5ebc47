// Package runlog persists scenario outcomes to SQLite and answers history
// queries (recent runs, per-scenario pass rates) with retention cleanup.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/storeprobe/dbopen"
	"github.com/hazyhaar/storeprobe/scenario"
)

// Store records outcomes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock sets the time source used by Cleanup.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New wraps db. The schema must already be applied (see Open).
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens (creating if needed) the history database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	return New(db, opts...), nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts an outcome. A run ID already recorded is replaced.
func (s *Store) Record(ctx context.Context, o scenario.Outcome) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT OR REPLACE INTO runs (
			run_id, scenario_id, scenario_name, driver, status, kind, cause,
			failed_step, failed_assertion, steps_run, final_url, diagnostic,
			started_at, finished_at, duration_ms
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.RunID, o.ScenarioID, o.ScenarioName, o.Driver, string(o.Status), string(o.Kind), o.Cause,
		o.FailedStep, o.FailedAssertion, o.StepsRun, o.FinalURL, o.Diagnostic,
		o.Started.UnixMilli(), o.Finished.UnixMilli(), o.DurationMs)
	if err != nil {
		return fmt.Errorf("runlog: record %s: %w", o.RunID, err)
	}
	return nil
}

// Entry is a recorded run.
type Entry struct {
	RunID           string `json:"run_id"`
	ScenarioID      string `json:"scenario_id"`
	ScenarioName    string `json:"scenario_name,omitempty"`
	Driver          string `json:"driver"`
	Status          string `json:"status"`
	Kind            string `json:"kind,omitempty"`
	Cause           string `json:"cause,omitempty"`
	FailedStep      int    `json:"failed_step"`
	FailedAssertion int    `json:"failed_assertion"`
	StepsRun        int    `json:"steps_run"`
	FinalURL        string `json:"final_url,omitempty"`
	Diagnostic      string `json:"diagnostic,omitempty"`
	StartedAt       int64  `json:"started_at"`
	FinishedAt      int64  `json:"finished_at"`
	DurationMs      int64  `json:"duration_ms"`
}

// Filter narrows Recent.
type Filter struct {
	ScenarioID string
	Status     string
	Limit      int
}

// Recent returns the newest runs first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var where []string
	var args []any
	if f.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, f.ScenarioID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT run_id, scenario_id, scenario_name, driver, status, kind, cause,
		failed_step, failed_assertion, steps_run, final_url, diagnostic,
		started_at, finished_at, duration_ms FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("runlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.ScenarioID, &e.ScenarioName, &e.Driver, &e.Status, &e.Kind, &e.Cause,
			&e.FailedStep, &e.FailedAssertion, &e.StepsRun, &e.FinalURL, &e.Diagnostic,
			&e.StartedAt, &e.FinishedAt, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates runs of one scenario.
type Summary struct {
	ScenarioID    string  `json:"scenario_id"`
	Runs          int     `json:"runs"`
	Passed        int     `json:"passed"`
	PassRate      float64 `json:"pass_rate"`
	LastStatus    string  `json:"last_status"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Summaries returns one row per scenario, ordered by scenario ID.
func (s *Store) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.scenario_id, COUNT(*), SUM(r.status = 'pass'), AVG(r.duration_ms),
			(SELECT l.status FROM runs l WHERE l.scenario_id = r.scenario_id
			 ORDER BY l.started_at DESC, l.run_id DESC LIMIT 1)
		FROM runs r GROUP BY r.scenario_id ORDER BY r.scenario_id`)
	if err != nil {
		return nil, fmt.Errorf("runlog: summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ScenarioID, &sm.Runs, &sm.Passed, &sm.AvgDurationMs, &sm.LastStatus); err != nil {
			return nil, fmt.Errorf("runlog: scan summary: %w", err)
		}
		if sm.Runs > 0 {
			sm.PassRate = float64(sm.Passed) / float64(sm.Runs)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Cleanup deletes runs started more than retentionDays ago. Zero or
// negative keeps everything.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
	var deleted int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("runlog: cleanup: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("runlog: cleanup", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}
