package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vellum/internal/jobs"
)

// Postgres implements jobs.Store on a shared *sql.DB with pooling.
// The claim statement locks its candidate row with FOR UPDATE SKIP
// LOCKED, so arbitrarily many workers can call TryClaim concurrently
// without ever receiving the same job.
type Postgres struct {
	db   *sql.DB
	opts Options
}

// NewPostgres wraps an already-opened pgx-backed *sql.DB. Migrations
// are the caller's responsibility (see internal/migrate).
func NewPostgres(db *sql.DB, opts Options) *Postgres {
	return &Postgres{db: db, opts: opts.withDefaults()}
}

// Close closes the underlying pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Postgres) DB() *sql.DB {
	return s.db
}

func (s *Postgres) Insert(ctx context.Context, payloadRef string) (jobs.Job, error) {
	now := time.Now().UTC()
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, payload_ref, attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
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

func (s *Postgres) Get(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, wrapErr("get", err)
	}
	return j, nil
}

func (s *Postgres) List(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if filter.State != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE state = $1
			 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
			filter.State, limit, filter.Offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
			limit, filter.Offset)
	}
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

func (s *Postgres) TryClaim(ctx context.Context, owner string, lease time.Duration) (*jobs.Job, error) {
	// Lazy sweep keeps crashed workers' jobs claimable without a
	// separate maintenance process.
	if _, err := s.ExpireStaleClaims(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET
		     state = $1, claim_owner = $2, claim_lease_expiry = $3,
		     attempt_count = attempt_count + 1, updated_at = $4
		 WHERE id = (
		     SELECT id FROM jobs WHERE state = $5
		     ORDER BY created_at, id LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		jobs.StateClaimed, owner, now.Add(lease), now, jobs.StateQueued,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("try claim", err)
	}
	return &j, nil
}

func (s *Postgres) Transition(ctx context.Context, id uuid.UUID, owner string, expected, next jobs.State, fields jobs.Fields) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if transitionClearsClaim(next) {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET
			     state = $1,
			     result_ref = COALESCE($2, result_ref),
			     error_detail = COALESCE($3, error_detail),
			     claim_owner = NULL, claim_lease_expiry = NULL,
			     updated_at = $4
			 WHERE id = $5 AND state = $6 AND claim_owner = $7`,
			next, fields.ResultRef, fields.ErrorDetail, now, id, expected, owner,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET
			     state = $1,
			     result_ref = COALESCE($2, result_ref),
			     error_detail = COALESCE($3, error_detail),
			     updated_at = $4
			 WHERE id = $5 AND state = $6 AND claim_owner = $7`,
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

func (s *Postgres) CountByState(ctx context.Context, state jobs.State) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = $1`, state).Scan(&n)
	return n, wrapErr("count by state", err)
}

func (s *Postgres) PendingDepth(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE state = $1
		    OR (state IN ($2, $3, $4) AND claim_lease_expiry >= $5)`,
		jobs.StateQueued, jobs.StateClaimed, jobs.StateProcessing, jobs.StateUploading, now,
	).Scan(&n)
	return n, wrapErr("pending depth", err)
}

func (s *Postgres) ExpireStaleClaims(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var total int64

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		     state = CASE WHEN attempt_count < $1 THEN $2::text ELSE $3::text END,
		     error_detail = CASE WHEN attempt_count < $1 THEN error_detail
		                         ELSE COALESCE(error_detail, 'lease expired with attempts exhausted') END,
		     claim_owner = NULL, claim_lease_expiry = NULL, updated_at = $4
		 WHERE state IN ($5, $6, $7) AND claim_lease_expiry < $4`,
		s.opts.MaxAttempts, jobs.StateQueued, jobs.StateDead, now,
		jobs.StateClaimed, jobs.StateProcessing, jobs.StateUploading,
	)
	if err != nil {
		return 0, wrapErr("expire leases", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	cutoff := now.Add(-s.opts.RequeueDelay)
	res, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET
		     state = CASE WHEN attempt_count < $1 THEN $2::text ELSE $3::text END,
		     updated_at = $4
		 WHERE state = $5 AND updated_at <= $6`,
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
