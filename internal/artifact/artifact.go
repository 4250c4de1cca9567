// Package artifact persists processing results to object storage.
// Keys are derived deterministically from job ids, so repeated
// uploads under retry overwrite rather than duplicate.
package artifact

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is the object-storage capability: put bytes under a key,
// get back a stable reference to the stored object.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Key returns the canonical object key for a job's artifact.
func Key(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/artifact", jobID)
}
