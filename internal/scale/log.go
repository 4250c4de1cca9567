package scale

import (
	"context"
	"log/slog"
	"sync"
)

// Intent emits desired-replica intents as structured log lines for an
// external cluster collaborator to consume. Only changes are logged.
type Intent struct {
	logger *slog.Logger

	mu   sync.Mutex
	last int
}

// NewIntent builds the log-only scaler.
func NewIntent(logger *slog.Logger) *Intent {
	return &Intent{logger: logger, last: -1}
}

func (s *Intent) SetDesiredReplicas(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.last {
		return nil
	}
	s.last = n
	s.logger.Info("set desired replicas", "replicas", n)
	return nil
}
