package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"vellum/internal/jobs"
)

func setupTestStore(t *testing.T, opts Options) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := NewSQLite(dbPath, opts)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// checkResultRefInvariant asserts result_ref is set if and only if
// the job completed.
func checkResultRefInvariant(t *testing.T, j jobs.Job) {
	t.Helper()
	if (j.ResultRef != nil) != (j.State == jobs.StateCompleted) {
		t.Errorf("result_ref invariant violated: state=%s resultRef=%v", j.State, j.ResultRef)
	}
}

func TestSQLite_InsertAndGet(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	job, err := st.Insert(ctx, "s3://in/doc-1.pdf")
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if job.ID == uuid.Nil {
		t.Error("Insert() job.ID is nil")
	}
	if job.State != jobs.StateQueued {
		t.Errorf("Insert() state = %q, want %q", job.State, jobs.StateQueued)
	}
	if job.AttemptCount != 0 {
		t.Errorf("Insert() attemptCount = %d, want 0", job.AttemptCount)
	}

	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PayloadRef != "s3://in/doc-1.pdf" {
		t.Errorf("Get() payloadRef = %q", got.PayloadRef)
	}
	if got.ClaimOwner != nil || got.ClaimLeaseExpiry != nil {
		t.Errorf("queued job has claim fields set: owner=%v expiry=%v", got.ClaimOwner, got.ClaimLeaseExpiry)
	}

	if _, err := st.Get(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLite_TryClaimFIFO(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	first, _ := st.Insert(ctx, "s3://in/a.pdf")
	time.Sleep(5 * time.Millisecond)
	st.Insert(ctx, "s3://in/b.pdf")
	time.Sleep(5 * time.Millisecond)
	st.Insert(ctx, "s3://in/c.pdf")

	claimed, err := st.TryClaim(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if claimed == nil {
		t.Fatal("TryClaim() returned nil, want oldest job")
	}
	if claimed.ID != first.ID {
		t.Errorf("TryClaim() id = %s, want oldest %s", claimed.ID, first.ID)
	}
	if claimed.State != jobs.StateClaimed {
		t.Errorf("TryClaim() state = %q, want %q", claimed.State, jobs.StateClaimed)
	}
	if claimed.ClaimOwner == nil || *claimed.ClaimOwner != "worker-1" {
		t.Errorf("TryClaim() owner = %v, want worker-1", claimed.ClaimOwner)
	}
	if claimed.ClaimLeaseExpiry == nil || !claimed.ClaimLeaseExpiry.After(time.Now().UTC()) {
		t.Errorf("TryClaim() lease expiry = %v, want future", claimed.ClaimLeaseExpiry)
	}
	if claimed.AttemptCount != 1 {
		t.Errorf("TryClaim() attemptCount = %d, want 1", claimed.AttemptCount)
	}
}

func TestSQLite_TryClaimEmptyQueue(t *testing.T) {
	st := setupTestStore(t, Options{})

	claimed, err := st.TryClaim(context.Background(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if claimed != nil {
		t.Errorf("TryClaim() = %+v, want nil on empty queue", claimed)
	}
}

func TestSQLite_TransitionCompareAndSet(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	job, _ := st.Insert(ctx, "s3://in/doc.pdf")
	claimed, _ := st.TryClaim(ctx, "worker-1", time.Minute)
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claim setup failed: %+v", claimed)
	}

	// Wrong owner loses the CAS.
	err := st.Transition(ctx, job.ID, "worker-2", jobs.StateClaimed, jobs.StateProcessing, jobs.Fields{})
	if !errors.Is(err, jobs.ErrConflict) {
		t.Errorf("Transition(wrong owner) error = %v, want ErrConflict", err)
	}

	// Wrong expected state loses the CAS.
	err = st.Transition(ctx, job.ID, "worker-1", jobs.StateProcessing, jobs.StateUploading, jobs.Fields{})
	if !errors.Is(err, jobs.ErrConflict) {
		t.Errorf("Transition(wrong expected) error = %v, want ErrConflict", err)
	}

	// Matching CAS succeeds.
	if err := st.Transition(ctx, job.ID, "worker-1", jobs.StateClaimed, jobs.StateProcessing, jobs.Fields{}); err != nil {
		t.Fatalf("Transition(claimed->processing) error = %v", err)
	}
	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateProcessing {
		t.Errorf("state = %q, want processing", got.State)
	}
	checkResultRefInvariant(t, got)
}

func TestSQLite_FullLifecycleToCompleted(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	job, _ := st.Insert(ctx, "s3://in/doc.pdf")
	st.TryClaim(ctx, "worker-1", time.Minute)

	steps := []struct {
		from, to jobs.State
		fields   jobs.Fields
	}{
		{jobs.StateClaimed, jobs.StateProcessing, jobs.Fields{}},
		{jobs.StateProcessing, jobs.StateUploading, jobs.Fields{}},
	}
	for _, s := range steps {
		if err := st.Transition(ctx, job.ID, "worker-1", s.from, s.to, s.fields); err != nil {
			t.Fatalf("Transition(%s->%s) error = %v", s.from, s.to, err)
		}
		got, _ := st.Get(ctx, job.ID)
		checkResultRefInvariant(t, got)
	}

	ref := "s3://out/artifact"
	if err := st.Transition(ctx, job.ID, "worker-1", jobs.StateUploading, jobs.StateCompleted, jobs.Fields{ResultRef: &ref}); err != nil {
		t.Fatalf("Transition(uploading->completed) error = %v", err)
	}

	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateCompleted {
		t.Errorf("state = %q, want completed", got.State)
	}
	if got.ResultRef == nil || *got.ResultRef != ref {
		t.Errorf("resultRef = %v, want %q", got.ResultRef, ref)
	}
	if got.ClaimOwner != nil || got.ClaimLeaseExpiry != nil {
		t.Errorf("completed job still holds claim: owner=%v expiry=%v", got.ClaimOwner, got.ClaimLeaseExpiry)
	}
	checkResultRefInvariant(t, got)
}

func TestSQLite_ExpireStaleClaims_Requeues(t *testing.T) {
	st := setupTestStore(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	job, _ := st.Insert(ctx, "s3://in/doc.pdf")
	// A negative lease is already expired at claim time, standing in
	// for a worker that crashed mid-job.
	if claimed, _ := st.TryClaim(ctx, "worker-crash", -time.Second); claimed == nil {
		t.Fatal("claim setup failed")
	}

	n, err := st.ExpireStaleClaims(ctx)
	if err != nil {
		t.Fatalf("ExpireStaleClaims() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireStaleClaims() = %d, want 1", n)
	}

	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateQueued {
		t.Errorf("state = %q, want queued after sweep", got.State)
	}
	if got.ClaimOwner != nil || got.ClaimLeaseExpiry != nil {
		t.Error("swept job still holds claim fields")
	}
	if got.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1 (claims count even when swept)", got.AttemptCount)
	}
}

func TestSQLite_ExpireStaleClaims_DeadLettersWhenExhausted(t *testing.T) {
	st := setupTestStore(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	job, _ := st.Insert(ctx, "s3://in/doc.pdf")
	st.TryClaim(ctx, "worker-crash", -time.Second)

	if _, err := st.ExpireStaleClaims(ctx); err != nil {
		t.Fatalf("ExpireStaleClaims() error = %v", err)
	}

	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateDead {
		t.Errorf("state = %q, want dead", got.State)
	}
	if got.ErrorDetail == nil || *got.ErrorDetail == "" {
		t.Error("dead job has empty error detail")
	}
	if got.ResultRef != nil {
		t.Error("dead job has result ref")
	}
}

func TestSQLite_FailedRequeueRespectsDelay(t *testing.T) {
	ctx := context.Background()

	// With a long delay, a freshly failed job stays failed.
	st := setupTestStore(t, Options{MaxAttempts: 3, RequeueDelay: time.Hour})
	job, _ := st.Insert(ctx, "s3://in/doc.pdf")
	st.TryClaim(ctx, "worker-1", time.Minute)
	detail := "transform exploded"
	st.Transition(ctx, job.ID, "worker-1", jobs.StateClaimed, jobs.StateFailed, jobs.Fields{ErrorDetail: &detail})

	if _, err := st.ExpireStaleClaims(ctx); err != nil {
		t.Fatalf("ExpireStaleClaims() error = %v", err)
	}
	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateFailed {
		t.Errorf("state = %q, want failed within requeue delay", got.State)
	}

	// With no delay, the sweep requeues immediately.
	st2 := setupTestStore(t, Options{MaxAttempts: 3, RequeueDelay: 0})
	job2, _ := st2.Insert(ctx, "s3://in/doc.pdf")
	st2.TryClaim(ctx, "worker-1", time.Minute)
	st2.Transition(ctx, job2.ID, "worker-1", jobs.StateClaimed, jobs.StateFailed, jobs.Fields{ErrorDetail: &detail})

	time.Sleep(5 * time.Millisecond)
	if _, err := st2.ExpireStaleClaims(ctx); err != nil {
		t.Fatalf("ExpireStaleClaims() error = %v", err)
	}
	got2, _ := st2.Get(ctx, job2.ID)
	if got2.State != jobs.StateQueued {
		t.Errorf("state = %q, want queued after delay elapsed", got2.State)
	}
	if got2.ErrorDetail == nil || *got2.ErrorDetail != detail {
		t.Errorf("errorDetail = %v, want preserved %q", got2.ErrorDetail, detail)
	}
}

func TestSQLite_AttemptCountBoundsClaims(t *testing.T) {
	const maxAttempts = 2
	st := setupTestStore(t, Options{MaxAttempts: maxAttempts, RequeueDelay: 0})
	ctx := context.Background()

	job, _ := st.Insert(ctx, "s3://in/doc.pdf")

	claims := 0
	for {
		time.Sleep(2 * time.Millisecond)
		claimed, err := st.TryClaim(ctx, "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("TryClaim() error = %v", err)
		}
		if claimed == nil {
			break
		}
		claims++
		if claims > maxAttempts {
			t.Fatalf("claims = %d, exceeds maxAttempts %d", claims, maxAttempts)
		}
		detail := "still failing"
		if err := st.Transition(ctx, claimed.ID, "worker-1", jobs.StateClaimed, jobs.StateFailed, jobs.Fields{ErrorDetail: &detail}); err != nil {
			t.Fatalf("Transition(->failed) error = %v", err)
		}
	}

	if claims != maxAttempts {
		t.Errorf("total claims = %d, want %d", claims, maxAttempts)
	}
	got, _ := st.Get(ctx, job.ID)
	if got.State != jobs.StateDead {
		t.Errorf("state = %q, want dead", got.State)
	}
	if got.AttemptCount != maxAttempts {
		t.Errorf("attemptCount = %d, want %d", got.AttemptCount, maxAttempts)
	}
	checkResultRefInvariant(t, got)
}

func TestSQLite_PendingDepth(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	st.Insert(ctx, "s3://in/a.pdf")
	st.Insert(ctx, "s3://in/b.pdf")
	st.Insert(ctx, "s3://in/c.pdf")

	// One active claim still counts toward depth.
	if claimed, _ := st.TryClaim(ctx, "worker-1", time.Minute); claimed == nil {
		t.Fatal("claim setup failed")
	}

	depth, err := st.PendingDepth(ctx)
	if err != nil {
		t.Fatalf("PendingDepth() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("PendingDepth() = %d, want 3", depth)
	}

	// A completed job drops out of the signal.
	queued, _ := st.List(ctx, jobs.ListFilter{State: jobs.StateClaimed})
	if len(queued) != 1 {
		t.Fatalf("claimed jobs = %d, want 1", len(queued))
	}
	id := queued[0].ID
	st.Transition(ctx, id, "worker-1", jobs.StateClaimed, jobs.StateProcessing, jobs.Fields{})
	st.Transition(ctx, id, "worker-1", jobs.StateProcessing, jobs.StateUploading, jobs.Fields{})
	ref := "s3://out/a"
	st.Transition(ctx, id, "worker-1", jobs.StateUploading, jobs.StateCompleted, jobs.Fields{ResultRef: &ref})

	depth, _ = st.PendingDepth(ctx)
	if depth != 2 {
		t.Errorf("PendingDepth() after completion = %d, want 2", depth)
	}
}

func TestSQLite_ConcurrentTryClaim_MutualExclusion(t *testing.T) {
	st := setupTestStore(t, Options{})
	ctx := context.Background()

	const jobCount = 10
	const claimers = 25

	for i := 0; i < jobCount; i++ {
		if _, err := st.Insert(ctx, "s3://in/doc.pdf"); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	claimedIDs := make(chan uuid.UUID, jobCount*2)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				claimed, err := st.TryClaim(ctx, "worker", time.Minute)
				if err != nil {
					t.Errorf("TryClaim() error = %v", err)
					return
				}
				if claimed == nil {
					return
				}
				claimedIDs <- claimed.ID
			}
		}(i)
	}
	wg.Wait()
	close(claimedIDs)

	seen := make(map[uuid.UUID]bool)
	total := 0
	for id := range claimedIDs {
		total++
		if seen[id] {
			t.Errorf("job %s claimed by two workers with overlapping leases", id)
		}
		seen[id] = true
	}
	if total != jobCount {
		t.Errorf("total claims = %d, want %d", total, jobCount)
	}
}
