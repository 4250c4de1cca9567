package jobs

// State represents the lifecycle position of a job in the
// jobs table. These values must match the text values
// stored in the database (jobs.state).
//
// Centralizing these here avoids scattering string
// literals like "queued" or "completed" across
// packages.
type State string

const (
	StateQueued     State = "queued"
	StateClaimed    State = "claimed"
	StateProcessing State = "processing"
	StateUploading  State = "uploading"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// InFlight reports whether the state denotes a job currently held
// under a claim. Jobs in these states count toward queue depth as
// long as their lease has not expired.
func (s State) InFlight() bool {
	switch s {
	case StateClaimed, StateProcessing, StateUploading:
		return true
	}
	return false
}

// Terminal reports whether the state can never change again.
// failed is not terminal: the sweep requeues failed jobs until
// their attempts are exhausted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateClaimed, StateProcessing, StateUploading,
		StateCompleted, StateFailed, StateDead:
		return true
	}
	return false
}
