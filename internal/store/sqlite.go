package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vellum/internal/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    state              TEXT NOT NULL DEFAULT 'queued',
    payload_ref        TEXT NOT NULL,
    claim_owner        TEXT,
    claim_lease_expiry DATETIME,
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    result_ref         TEXT,
    error_detail       TEXT,
    created_at         DATETIME NOT NULL,
    updated_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
`

// SQLite implements jobs.Store on an embedded database file. Suited
// to single-node deployments and tests; the claim statement is a
// single UPDATE, which SQLite executes atomically.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// NewSQLite opens (creating if needed) the database at path and
// initializes the schema. Use ":memory:" for an ephemeral store.
func NewSQLite(path string, opts Options) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers anyway; a single pooled connection
	// avoids SQLITE_BUSY churn under concurrent claimers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, opts: opts.withDefaults()}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Insert(ctx context.Context, payloadRef string) (jobs.Job, error) {
	now := time.Now().UTC()
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, payload_ref, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, jobs.StateQueued, payloadRef, now, now,
	)
	if err != nil {
		return jobs.Job{}, wrapErr("insert", err)
	}
	return jobs.Job{
		ID:         id,
		State:      jobs.StateQueued,
		PayloadRef: payloadRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLite) Get(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, wrapErr("get", err)
	}
	return j, nil
}

func (s *SQLite) List(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("list scan", err)
		}
		out = append(out, j)
	}
	return out, wrapErr("list rows", rows.Err())
}

func (s *SQLite) TryClaim(ctx context.Context, owner string, lease time.Duration) (*jobs.Job, error) {
	// Lazy sweep so jobs abandoned by crashed workers are claimable
	// without a separate maintenance process.
	if _, err := s.ExpireStaleClaims(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET
		     state = ?, claim_owner = ?, claim_lease_expiry = ?,
		     attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = (
		     SELECT id FROM jobs WHERE state = ?
		     ORDER BY created_at, id LIMIT 1
		 )
		 RETURNING `+jobColumns,
		jobs.StateClaimed, owner, now.Add(lease), now, jobs.StateQueued,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Empty queue is a normal outcome, not an error.
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("try claim", err)
	}
	return &j, nil
}

func (s *SQLite) Transition(ctx context.Context, id uuid.UUID, owner string, expected, next jobs.State, fields jobs.Fields) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if transitionClearsClaim(next) {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET
			     state = ?,
			     result_ref = COALESCE(?, result_ref),
			     error_detail = COALESCE(?, error_detail),
			     claim_owner = NULL, claim_lease_expiry = NULL,
			     updated_at = ?
			 WHERE id = ? AND state = ? AND claim_owner = ?`,
			next, fields.ResultRef, fields.ErrorDetail, now, id, expected, owner,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET
			     state = ?,
			     result_ref = COALESCE(?, result_ref),
			     error_detail = COALESCE(?, error_detail),
			     updated_at = ?
			 WHERE id = ? AND state = ? AND claim_owner = ?`,
			next, fields.ResultRef, fields.ErrorDetail, now, id, expected, owner,
		)
	}
	if err != nil {
		return wrapErr("transition", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("transition", err)
	}
	if affected == 0 {
		return jobs.ErrConflict
	}
	return nil
}

func (s *SQLite) CountByState(ctx context.Context, state jobs.State) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = ?`, state).Scan(&n)
	return n, wrapErr("count by state", err)
}

func (s *SQLite) PendingDepth(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE state = ?
		    OR (state IN (?, ?, ?) AND claim_lease_expiry >= ?)`,
		jobs.StateQueued, jobs.StateClaimed, jobs.StateProcessing, jobs.StateUploading, now,
	).Scan(&n)
	return n, wrapErr("pending depth", err)
}

func (s *SQLite) ExpireStaleClaims(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var total int64

	// Lapsed leases: back to queued, or dead once attempts are spent.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		     state = CASE WHEN attempt_count < ? THEN ? ELSE ? END,
		     error_detail = CASE WHEN attempt_count < ? THEN error_detail
		                         ELSE COALESCE(error_detail, 'lease expired with attempts exhausted') END,
		     claim_owner = NULL, claim_lease_expiry = NULL, updated_at = ?
		 WHERE state IN (?, ?, ?) AND claim_lease_expiry < ?`,
		s.opts.MaxAttempts, jobs.StateQueued, jobs.StateDead,
		s.opts.MaxAttempts, now,
		jobs.StateClaimed, jobs.StateProcessing, jobs.StateUploading, now,
	)
	if err != nil {
		return 0, wrapErr("expire leases", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	// Failed jobs past their requeue delay: retry or dead-letter.
	cutoff := now.Add(-s.opts.RequeueDelay)
	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET
		     state = CASE WHEN attempt_count < ? THEN ? ELSE ? END,
		     updated_at = ?
		 WHERE state = ? AND updated_at <= ?`,
		s.opts.MaxAttempts, jobs.StateQueued, jobs.StateDead,
		now, jobs.StateFailed, cutoff,
	)
	if err != nil {
		return 0, wrapErr("requeue failed", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
