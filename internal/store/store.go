// Package store provides the durable job ledger backing the claim
// protocol. Two backends implement jobs.Store: Postgres for
// multi-node deployments and SQLite for single-node and test use.
// Both funnel every mutation through single compare-and-set UPDATE
// statements, so the database is the sole serialization point and no
// in-process locks are needed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vellum/internal/jobs"
)

// jobColumns is the canonical select list; scanJob must match it.
const jobColumns = "id, state, payload_ref, claim_owner, claim_lease_expiry, attempt_count, result_ref, error_detail, created_at, updated_at"

// Options tunes retry bookkeeping shared by both backends.
type Options struct {
	// MaxAttempts bounds claim attempts per job; once reached, the
	// sweep moves the job to dead instead of requeueing it.
	MaxAttempts int

	// RequeueDelay is how long a failed job waits before the sweep
	// makes it claimable again.
	RequeueDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RequeueDelay < 0 {
		out.RequeueDelay = 0
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		j           jobs.Job
		state       string
		claimOwner  sql.NullString
		leaseExpiry sql.NullTime
		resultRef   sql.NullString
		errorDetail sql.NullString
	)
	err := row.Scan(&j.ID, &state, &j.PayloadRef, &claimOwner, &leaseExpiry,
		&j.AttemptCount, &resultRef, &errorDetail, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return jobs.Job{}, err
	}
	j.State = jobs.State(state)
	if claimOwner.Valid {
		j.ClaimOwner = &claimOwner.String
	}
	if leaseExpiry.Valid {
		t := leaseExpiry.Time.UTC()
		j.ClaimLeaseExpiry = &t
	}
	if resultRef.Valid {
		j.ResultRef = &resultRef.String
	}
	if errorDetail.Valid {
		j.ErrorDetail = &errorDetail.String
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// wrapErr maps driver-level failures onto jobs.ErrStoreUnavailable so
// callers can retry transient outages without inspecting driver
// errors. Context cancellation passes through untouched.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", jobs.ErrStoreUnavailable, op, err)
}

// transitionClearsClaim reports whether moving to next releases the
// claim columns. failed clears too: the job is no longer owned while
// it waits for the requeue sweep.
func transitionClearsClaim(next jobs.State) bool {
	return next.Terminal() || next == jobs.StateFailed
}
