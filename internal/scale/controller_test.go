package scale

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vellum/internal/artifact"
	"vellum/internal/store"
	"vellum/internal/worker"
)

// recordingScaler captures every intent the controller issues.
type recordingScaler struct {
	mu      sync.Mutex
	intents []int
}

func (r *recordingScaler) SetDesiredReplicas(_ context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, n)
	return nil
}

func (r *recordingScaler) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.intents) == 0 {
		return -1
	}
	return r.intents[len(r.intents)-1]
}

type echoProcessor struct{}

func (echoProcessor) Name() string { return "echo" }

func (echoProcessor) Process(_ context.Context, payloadRef string) ([]byte, error) {
	return []byte(payloadRef), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDesiredReplicas(t *testing.T) {
	tests := []struct {
		name          string
		pending       int64
		jobsPerWorker int
		maxWorkers    int
		want          int
	}{
		{"empty queue scales to zero", 0, 1, 10, 0},
		{"one job one worker", 1, 1, 10, 1},
		{"one worker per job", 5, 1, 10, 5},
		{"ceil of partial worker", 5, 2, 10, 3},
		{"exact multiple", 6, 2, 10, 3},
		{"capped at max", 100, 1, 10, 10},
		{"cap with batching", 100, 3, 10, 10},
		{"negative pending clamps to zero", -3, 1, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DesiredReplicas(tt.pending, tt.jobsPerWorker, tt.maxWorkers)
			if got != tt.want {
				t.Errorf("DesiredReplicas(%d, %d, %d) = %d, want %d",
					tt.pending, tt.jobsPerWorker, tt.maxWorkers, got, tt.want)
			}
		})
	}
}

func TestController_PollOnceTracksQueueDepth(t *testing.T) {
	st, err := store.NewSQLite(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	sc := &recordingScaler{}
	ctrl := NewController(st, sc, testLogger(), Options{JobsPerWorker: 1, MaxWorkers: 10})

	if got := ctrl.PollOnce(ctx); got != 0 {
		t.Errorf("PollOnce() on empty queue = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := st.Insert(ctx, "s3://in/doc.pdf"); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if got := ctrl.PollOnce(ctx); got != 3 {
		t.Errorf("PollOnce() with 3 queued = %d, want 3", got)
	}
	if sc.last() != 3 {
		t.Errorf("scaler received %d, want 3", sc.last())
	}

	// Drain the queue; the next poll scales back to zero.
	art, err := artifact.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS() error = %v", err)
	}
	w := worker.New(st, echoProcessor{}, art, testLogger(), worker.Options{Identity: "worker-test"})
	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Drain() = %d, want 3", n)
	}

	if got := ctrl.PollOnce(ctx); got != 0 {
		t.Errorf("PollOnce() after drain = %d, want 0", got)
	}
	if sc.last() != 0 {
		t.Errorf("scaler received %d, want 0", sc.last())
	}
}

func TestController_PollOnceSweepsStaleClaims(t *testing.T) {
	st, err := store.NewSQLite(":memory:", store.Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	if _, err := st.Insert(ctx, "s3://in/doc.pdf"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	// Claim with an already expired lease, standing in for a dead worker.
	if claimed, _ := st.TryClaim(ctx, "worker-dead", -time.Second); claimed == nil {
		t.Fatal("claim setup failed")
	}

	sc := &recordingScaler{}
	ctrl := NewController(st, sc, testLogger(), Options{JobsPerWorker: 1, MaxWorkers: 10})

	// The poll sweeps the stale claim back to queued and counts it
	// toward the pending depth.
	if got := ctrl.PollOnce(ctx); got != 1 {
		t.Errorf("PollOnce() = %d, want 1 after sweep", got)
	}

	jobsQueued, err := st.CountByState(ctx, "queued")
	if err != nil {
		t.Fatalf("CountByState() error = %v", err)
	}
	if jobsQueued != 1 {
		t.Errorf("queued count = %d, want 1 after sweep", jobsQueued)
	}
}

func TestController_StartStopsOnContextCancel(t *testing.T) {
	st, err := store.NewSQLite(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer st.Close()

	ctrl := NewController(st, &recordingScaler{}, testLogger(), Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after context cancel")
	}
}
