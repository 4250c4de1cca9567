package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreUnavailable wraps transient storage failures. Callers
	// retry with backoff; the condition is expected to clear.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrConflict is returned by Transition when the record no longer
	// matches the expected state and owner. It signals a lost lease,
	// not a fault: the caller aborts its current attempt cleanly.
	ErrConflict = errors.New("job state conflict")

	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
)

// Job is the sole persisted entity: one unit of document-processing
// work. claim_owner and claim_lease_expiry are both nil or both set,
// and never set while the job is queued. ResultRef is set if and only
// if the job completed.
type Job struct {
	ID               uuid.UUID
	State            State
	PayloadRef       string
	ClaimOwner       *string
	ClaimLeaseExpiry *time.Time
	AttemptCount     int
	ResultRef        *string
	ErrorDetail      *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LeaseExpired reports whether the job holds a claim whose lease has
// lapsed as of now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State.InFlight() && j.ClaimLeaseExpiry != nil && j.ClaimLeaseExpiry.Before(now)
}

// Fields carries the optional columns a transition may set. Nil
// members leave the stored value untouched.
type Fields struct {
	ResultRef   *string
	ErrorDetail *string
}

// ListFilter narrows List results for the API.
type ListFilter struct {
	State  State
	Limit  int32
	Offset int32
}

// Store is the durable job ledger. It is the only shared mutable
// resource in the system: workers, the API, and the scale controller
// coordinate exclusively through its compare-and-set operations.
type Store interface {
	// Insert creates a queued job with attempt_count 0 and returns it.
	Insert(ctx context.Context, payloadRef string) (Job, error)

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Job, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]Job, error)

	// TryClaim atomically claims the oldest queued job for owner:
	// state becomes claimed, the lease is set to now+lease, and
	// attempt_count is incremented, all in one atomic step. Stale
	// leases are swept first, so jobs abandoned by crashed workers
	// become claimable here. An empty queue returns (nil, nil).
	TryClaim(ctx context.Context, owner string, lease time.Duration) (*Job, error)

	// Transition is a compare-and-set against (state, owner). It moves
	// the job from expected to next and applies fields; when the
	// record no longer matches, it returns ErrConflict and the caller
	// must abort. Terminal and failed transitions clear the claim.
	Transition(ctx context.Context, id uuid.UUID, owner string, expected, next State, fields Fields) error

	// CountByState returns the number of jobs in the given state.
	CountByState(ctx context.Context, state State) (int64, error)

	// PendingDepth returns the scaling signal: queued jobs plus
	// in-flight jobs whose lease is still active.
	PendingDepth(ctx context.Context) (int64, error)

	// ExpireStaleClaims resets jobs whose lease lapsed and requeues
	// failed jobs once their requeue delay has passed. Jobs with
	// exhausted attempts go to dead instead. Returns the number of
	// records touched.
	ExpireStaleClaims(ctx context.Context) (int64, error)
}
