package scale

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Local launches worker processes on the current host. Each worker
// claims at most one job and exits, so scale-down is purely natural:
// the scaler only ever tops up to the desired count and never
// terminates a process, which guarantees no worker holding an active
// claim is interrupted.
type Local struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex
	running int
}

// NewLocal builds a scaler that spawns command with args per worker.
func NewLocal(command string, args []string, logger *slog.Logger) *Local {
	return &Local{command: command, args: args, logger: logger}
}

// Running reports how many spawned workers are still alive.
func (l *Local) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Local) SetDesiredReplicas(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.running < n {
		cmd := exec.Command(l.command, l.args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return err
		}
		l.running++
		l.logger.Info("worker spawned", "pid", cmd.Process.Pid, "running", l.running)

		go func(cmd *exec.Cmd) {
			err := cmd.Wait()
			l.mu.Lock()
			l.running--
			running := l.running
			l.mu.Unlock()
			if err != nil {
				l.logger.Warn("worker exited with error", "pid", cmd.Process.Pid, "error", err, "running", running)
			}
		}(cmd)
	}
	return nil
}
