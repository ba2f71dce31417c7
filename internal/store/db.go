// Package store persists run history, stage progress, errors, metrics and
// usage records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-etl-engine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed run store
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		caller_id TEXT,
		tier TEXT,
		spec TEXT,
		status TEXT,
		error TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_caller ON runs (caller_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		stage TEXT,
		class TEXT,
		kind TEXT,
		error_message TEXT,
		retryable BOOLEAN,
		severity TEXT,
		created_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS stage_progress (
		run_id TEXT,
		stage TEXT,
		status TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		rows_processed INTEGER,
		PRIMARY KEY (run_id, stage)
	);`,
	`CREATE TABLE IF NOT EXISTS run_metrics (
		run_id TEXT PRIMARY KEY,
		snapshot TEXT,
		recorded_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		caller_id TEXT,
		seq INTEGER,
		run_id TEXT,
		tier TEXT,
		bytes_processed INTEGER,
		compute_ns INTEGER,
		execution_count INTEGER,
		status TEXT,
		recorded_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_usage_caller ON usage_records (caller_id, id);`,
}

// Open opens (or creates) the database at path and ensures the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a new run
func (s *Store) SaveRun(ctx context.Context, rec model.RunRecord) error {
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, caller_id, tier, spec, status, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.Tier, string(specJSON), rec.Status, rec.Error, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

// UpdateRunStatus updates run status and error message
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
	}
	return nil
}

// GetRun fetches full run spec and status
func (s *Store) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, tier, spec, status, error, created_at, updated_at FROM runs WHERE id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunRecord{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
	}
	return rec, err
}

// ListRuns returns run summaries newest first. An empty callerID lists every
// caller.
func (s *Store) ListRuns(ctx context.Context, callerID string, limit int) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, caller_id, tier, status, error, created_at, updated_at FROM runs`
	args := []interface{}{}
	if callerID != "" {
		query += ` WHERE caller_id = ?`
		args = append(args, callerID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []model.RunSummary{}
	for rows.Next() {
		var sum model.RunSummary
		var errMsg sql.NullString
		if err := rows.Scan(&sum.ID, &sum.CallerID, &sum.Tier, &sum.Status, &errMsg, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		sum.Error = errMsg.String
		runs = append(runs, sum)
	}
	return runs, rows.Err()
}

func scanRun(row *sql.Row) (model.RunRecord, error) {
	var rec model.RunRecord
	var specJSON string
	var errMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.CallerID, &rec.Tier, &specJSON, &rec.Status, &errMsg, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return model.RunRecord{}, err
	}
	rec.Error = errMsg.String
	if specJSON != "" {
		if err := json.Unmarshal([]byte(specJSON), &rec.Spec); err != nil {
			return model.RunRecord{}, fmt.Errorf("failed to decode spec of run %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

// SaveStageProgress records the latest transition of a stage
func (s *Store) SaveStageProgress(ctx context.Context, p model.StageProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_progress (run_id, stage, status, started_at, ended_at, rows_processed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = excluded.status,
			started_at = COALESCE(excluded.started_at, stage_progress.started_at),
			ended_at = excluded.ended_at,
			rows_processed = excluded.rows_processed`,
		p.RunID, p.Stage, p.Status, nullTime(p.StartedAt), nullTime(p.EndedAt), p.Rows)
	return err
}

// ListStageProgress returns the stages of a run in the order they started
func (s *Store) ListStageProgress(ctx context.Context, runID string) ([]model.StageProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage, status, started_at, ended_at, rows_processed
		FROM stage_progress WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.StageProgress{}
	for rows.Next() {
		var p model.StageProgress
		var started, ended sql.NullTime
		if err := rows.Scan(&p.RunID, &p.Stage, &p.Status, &started, &ended, &p.Rows); err != nil {
			return nil, err
		}
		if started.Valid {
			t := started.Time.UTC()
			p.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time.UTC()
			p.EndedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveRunError records an error for a run
func (s *Store) SaveRunError(ctx context.Context, runID string, d model.ErrorDetail) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_errors (run_id, stage, class, kind, error_message, retryable, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, d.Stage, string(d.Class), string(d.Kind), d.Message, d.Retryable, d.Severity, d.Timestamp.UTC())
	return err
}

// ListRunErrors returns the errors of a run, oldest first
func (s *Store) ListRunErrors(ctx context.Context, runID string) ([]model.ErrorDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, class, kind, error_message, retryable, severity, created_at
		FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ErrorDetail{}
	for rows.Next() {
		var d model.ErrorDetail
		var class, kind string
		if err := rows.Scan(&d.Stage, &class, &kind, &d.Message, &d.Retryable, &d.Severity, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Class = model.ErrorClass(class)
		d.Kind = model.ErrorKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordRun stores the final metrics snapshot of a run
func (s *Store) RecordRun(ctx context.Context, snap model.MetricsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_metrics (run_id, snapshot, recorded_at) VALUES (?, ?, ?)`,
		snap.RunID, string(data), time.Now().UTC())
	return err
}

// GetRunMetrics returns the stored metrics snapshot of a run
func (s *Store) GetRunMetrics(ctx context.Context, runID string) (model.MetricsSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM run_metrics WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MetricsSnapshot{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
	}
	if err != nil {
		return model.MetricsSnapshot{}, err
	}
	var snap model.MetricsSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return model.MetricsSnapshot{}, err
	}
	return snap, nil
}

// RecordUsage appends a usage record
func (s *Store) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (caller_id, seq, run_id, tier, bytes_processed, compute_ns, execution_count, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallerID, rec.Seq, rec.RunID, rec.Tier, rec.BytesProcessed, int64(rec.ComputeDuration),
		rec.ExecutionCount, rec.Status, rec.RecordedAt.UTC())
	return err
}

// ListUsage returns a caller's usage records in the order they were written
func (s *Store) ListUsage(ctx context.Context, callerID string) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT caller_id, seq, run_id, tier, bytes_processed, compute_ns, execution_count, status, recorded_at
		FROM usage_records WHERE caller_id = ? ORDER BY id`, callerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.UsageRecord{}
	for rows.Next() {
		var rec model.UsageRecord
		var computeNS int64
		if err := rows.Scan(&rec.CallerID, &rec.Seq, &rec.RunID, &rec.Tier, &rec.BytesProcessed, &computeNS,
			&rec.ExecutionCount, &rec.Status, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.ComputeDuration = time.Duration(computeNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
