// Package scale converts queue depth into worker replica intents.
// The controller is the only component that observes the whole
// queue; workers and the API never talk to each other directly.
package scale

import (
	"context"
	"log/slog"
	"time"

	"vellum/internal/jobs"
	"vellum/internal/metrics"
)

// Scaler receives desired-replica intents. Convergence (instance
// creation and deletion) is the collaborator's responsibility;
// intents are fire-and-forget.
type Scaler interface {
	SetDesiredReplicas(ctx context.Context, n int) error
}

// Options tunes the control loop.
type Options struct {
	PollInterval  time.Duration
	JobsPerWorker int
	MaxWorkers    int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.JobsPerWorker <= 0 {
		out.JobsPerWorker = 1
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 10
	}
	return out
}

// DesiredReplicas implements the proportional policy:
// min(maxWorkers, ceil(pending / jobsPerWorker)), floor 0.
func DesiredReplicas(pending int64, jobsPerWorker, maxWorkers int) int {
	if pending <= 0 {
		return 0
	}
	desired := (pending + int64(jobsPerWorker) - 1) / int64(jobsPerWorker)
	if desired > int64(maxWorkers) {
		return maxWorkers
	}
	return int(desired)
}

// Controller polls the pending-job count on a fixed interval and
// issues scale intents. It also runs the stale-claim sweep on the
// same cadence, so recovery does not depend on workers calling
// TryClaim.
type Controller struct {
	store  jobs.Store
	scaler Scaler
	logger *slog.Logger
	opts   Options

	lastDesired int
}

// NewController wires the control loop to a store and a scaler.
func NewController(st jobs.Store, sc Scaler, logger *slog.Logger, opts Options) *Controller {
	return &Controller{
		store:       st,
		scaler:      sc,
		logger:      logger,
		opts:        opts.withDefaults(),
		lastDesired: -1,
	}
}

// Start runs the control loop until the context is cancelled.
// Callers typically run this in its own goroutine.
func (c *Controller) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.PollOnce(ctx)
	}
}

// PollOnce performs a single sweep-observe-scale cycle and returns
// the desired replica count it derived.
func (c *Controller) PollOnce(ctx context.Context) int {
	if n, err := c.store.ExpireStaleClaims(ctx); err != nil {
		c.logger.Warn("stale claim sweep failed", "error", err)
	} else if n > 0 {
		metrics.RecordReclaimed(n)
		c.logger.Info("swept stale claims", "count", n)
	}

	pending, err := c.store.PendingDepth(ctx)
	if err != nil {
		c.logger.Warn("pending depth query failed", "error", err)
		return c.lastDesired
	}
	queued, err := c.store.CountByState(ctx, jobs.StateQueued)
	if err != nil {
		queued = pending
	}

	metrics.SetQueueDepth(pending)
	metrics.SetInflight(pending - queued)

	desired := DesiredReplicas(pending, c.opts.JobsPerWorker, c.opts.MaxWorkers)
	metrics.SetDesiredReplicas(int64(desired))

	if desired != c.lastDesired {
		c.logger.Info("scale intent", "pending", pending, "desired", desired)
		c.lastDesired = desired
	}

	if err := c.scaler.SetDesiredReplicas(ctx, desired); err != nil {
		// Fire-and-forget: the next poll re-issues the intent.
		c.logger.Warn("scale intent delivery failed", "desired", desired, "error", err)
	}
	return desired
}
