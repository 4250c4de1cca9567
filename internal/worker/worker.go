// Package worker implements the single-job worker runtime: claim one
// job, execute it, finalize, exit. The process boundary is the unit
// of isolation: a crash before finalize leaves the job under a lease
// that expires and is swept, so no job is ever silently lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"vellum/internal/artifact"
	"vellum/internal/jobs"
	"vellum/internal/metrics"
	"vellum/internal/process"
)

// Options tunes one worker instance.
type Options struct {
	// Identity is the claim owner recorded in the ledger. Defaults to
	// hostname-pid-uuid.
	Identity string

	// Lease is the claim duration requested on TryClaim. Must exceed
	// the expected processing+upload time.
	Lease time.Duration

	// ProcessTimeout bounds a single transform invocation.
	ProcessTimeout time.Duration

	// StoreRetryAttempts and StoreRetryBase shape the exponential
	// backoff used for transient store outages.
	StoreRetryAttempts uint64
	StoreRetryBase     time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Identity == "" {
		out.Identity = Identity()
	}
	if out.Lease <= 0 {
		out.Lease = 5 * time.Minute
	}
	if out.ProcessTimeout <= 0 {
		out.ProcessTimeout = 10 * time.Minute
	}
	if out.StoreRetryAttempts == 0 {
		out.StoreRetryAttempts = 4
	}
	if out.StoreRetryBase <= 0 {
		out.StoreRetryBase = 250 * time.Millisecond
	}
	return out
}

// Identity builds a worker identity unique across hosts, process
// restarts, and concurrent instances.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// Worker drives the claim protocol for one job at a time.
type Worker struct {
	store     jobs.Store
	processor process.Processor
	artifacts artifact.Store
	logger    *slog.Logger
	opts      Options
}

// New assembles a worker around its three collaborators: the job
// ledger, the opaque transform, and object storage.
func New(st jobs.Store, proc process.Processor, art artifact.Store, logger *slog.Logger, opts Options) *Worker {
	return &Worker{
		store:     st,
		processor: proc,
		artifacts: art,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// RunOnce performs exactly one TryClaim. It returns false when no
// job was available (the caller should exit, enabling scale-to-zero)
// and true when a job was claimed, whatever its outcome. Job-level
// failures are recorded as state transitions, never returned as
// errors; the error return covers store outages that exhausted their
// retries.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var claimed *jobs.Job
	err := w.retryStore(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = w.store.TryClaim(ctx, w.opts.Identity, w.opts.Lease)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	w.logger.Info("job claimed",
		"job_id", claimed.ID, "attempt", claimed.AttemptCount, "worker", w.opts.Identity)

	start := time.Now()
	w.execute(ctx, claimed)
	metrics.RecordJobDuration(time.Since(start).Milliseconds())
	return true, nil
}

// Drain claims jobs until the queue is empty, returning how many
// were claimed. Used by the -drain worker mode and by tests.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// execute runs the claimed job through processing, upload, and
// finalize. Steps are not retried in-process: retries happen at the
// job level via re-claim, bounded by attempt_count.
func (w *Worker) execute(ctx context.Context, job *jobs.Job) {
	if !w.advance(ctx, job.ID, jobs.StateClaimed, jobs.StateProcessing, jobs.Fields{}) {
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, w.opts.ProcessTimeout)
	data, err := w.processor.Process(procCtx, job.PayloadRef)
	cancel()
	if err != nil {
		w.fail(ctx, job.ID, jobs.StateProcessing, err)
		return
	}

	if !w.advance(ctx, job.ID, jobs.StateProcessing, jobs.StateUploading, jobs.Fields{}) {
		return
	}

	ref, err := w.artifacts.Put(ctx, artifact.Key(job.ID), data)
	if err != nil {
		w.fail(ctx, job.ID, jobs.StateUploading, err)
		return
	}

	if !w.advance(ctx, job.ID, jobs.StateUploading, jobs.StateCompleted, jobs.Fields{ResultRef: &ref}) {
		return
	}

	metrics.RecordJobOutcome(string(jobs.StateCompleted))
	w.logger.Info("job completed", "job_id", job.ID, "result_ref", ref)
}

// advance applies one compare-and-set transition. A Conflict means
// the lease expired and another worker owns the job now; abort
// without further side effects.
func (w *Worker) advance(ctx context.Context, id uuid.UUID, from, to jobs.State, fields jobs.Fields) bool {
	err := w.retryStore(ctx, func(ctx context.Context) error {
		return w.store.Transition(ctx, id, w.opts.Identity, from, to, fields)
	})
	if err == nil {
		return true
	}
	if errors.Is(err, jobs.ErrConflict) {
		w.logger.Warn("lease lost, aborting", "job_id", id, "from", from, "to", to)
		return false
	}
	w.logger.Error("transition failed", "job_id", id, "from", from, "to", to, "error", err)
	return false
}

func (w *Worker) fail(ctx context.Context, id uuid.UUID, from jobs.State, cause error) {
	detail := cause.Error()
	if w.advance(ctx, id, from, jobs.StateFailed, jobs.Fields{ErrorDetail: &detail}) {
		metrics.RecordJobOutcome(string(jobs.StateFailed))
		w.logger.Warn("job failed", "job_id", id, "stage", from, "error", detail)
	}
}

// retryStore retries fn with exponential backoff while the store
// reports a transient outage. Conflicts and other errors surface
// immediately.
func (w *Worker) retryStore(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(w.opts.StoreRetryAttempts, retry.NewExponential(w.opts.StoreRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, jobs.ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
