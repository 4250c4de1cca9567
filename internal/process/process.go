// Package process holds the document transform capability. The
// transformation itself is opaque to the job ledger: a Processor
// turns a payload reference into artifact bytes and must be free of
// external side effects so that a reclaimed job can safely run it
// again.
package process

import "context"

// Processor executes the document transform for one job.
type Processor interface {
	Name() string
	Process(ctx context.Context, payloadRef string) ([]byte, error)
}
