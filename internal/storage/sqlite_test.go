package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/compass/internal/sealed"
)

func testSealer(t *testing.T) *sealed.Sealer {
	t.Helper()
	key, _, err := sealed.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := sealed.New(key)
	if err != nil {
		t.Fatalf("sealed.New: %v", err)
	}
	return s
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", testSealer(t))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresSealer(t *testing.T) {
	if _, err := Open(":memory:", nil); !errors.Is(err, sealed.ErrNoKey) {
		t.Errorf("Open without sealer error = %v, want ErrNoKey", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sealer := testSealer(t)

	s1, err := Open(dir, sealer)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir, sealer)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not ascending: %v", versions)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-claim-1", Type: JobTypeLockRetry, PayloadJSON: `{"application_id":"a1"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{JobTypeLockRetry})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got.MaxAttempts)
	}
	id, err := LockRetryApplicationID(got)
	if err != nil || id != "a1" {
		t.Errorf("LockRetryApplicationID = %q, %v", id, err)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{JobTypeLockRetry})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueLockRetry(ctx, "a1", 5); err != nil {
		t.Fatalf("EnqueueLockRetry: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{JobTypeLockRetry})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("lock retry claimed before its backoff elapsed: %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a"}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b"}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Fatalf("ClaimNextJob = %+v, want type b", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("status = %q, want %q", got.Status, "completed")
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_Reschedules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	exhausted, err := s.FailJob(ctx, "j-fail", "something broke")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if exhausted {
		t.Error("exhausted after first failure")
	}

	got, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 1 || got.Status != "pending" || got.LastError != "something broke" {
		t.Errorf("job after failure = %+v", got)
	}
	if got.RunAfter.Before(before.Add(RetryBackoff(2))) {
		t.Errorf("run_after %v earlier than %v", got.RunAfter, before.Add(RetryBackoff(2)))
	}
}

func TestFailJob_Exhausted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-max", Type: "x", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	exhausted, err := s.FailJob(ctx, "j-max", "fatal")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if !exhausted {
		t.Error("expected exhausted after max attempts")
	}
	got, _ := s.GetJob(ctx, "j-max")
	if got.Status != "failed" {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestRetryBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0: 2 * time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		5: 32 * time.Second,
		6: 60 * time.Second,
		9: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := RetryBackoff(attempt); got != want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
