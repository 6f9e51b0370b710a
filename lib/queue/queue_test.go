package queue

import (
	"testing"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() returned error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, bus.New())
}

func putJob(t *testing.T, q *Queue, job *types.Job) {
	t.Helper()
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 5
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.State == "" {
		job.State = types.JobPending
	}
	if _, err := q.jobs().AddIfAbsent(job.JobID, job); err != nil {
		t.Fatalf("AddIfAbsent(%s) returned error: %v", job.JobID, err)
	}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue(%s) returned error: %v", job.JobID, err)
	}
}

func TestReservePrefersHigherPriority(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "low", Priority: 10})
	putJob(t, q, &types.Job{JobID: "high", Priority: 90})

	reserved, err := q.Reserve("worker-1", 1)
	if err != nil {
		t.Fatalf("Reserve() returned error: %v", err)
	}
	if len(reserved) != 1 || reserved[0].JobID != "high" {
		t.Fatalf("Reserve() = %v; want the high-priority job first", reserved)
	}
}

func TestReserveIsFIFOWithinPriorityBucket(t *testing.T) {
	q := newTestQueue(t)
	first := &types.Job{JobID: "first", Priority: 50, CreatedAt: time.Now()}
	putJob(t, q, first)
	second := &types.Job{JobID: "second", Priority: 50, CreatedAt: time.Now().Add(time.Second)}
	putJob(t, q, second)

	reserved, err := q.Reserve("worker-1", 2)
	if err != nil {
		t.Fatalf("Reserve() returned error: %v", err)
	}
	if len(reserved) != 2 || reserved[0].JobID != "first" || reserved[1].JobID != "second" {
		t.Fatalf("Reserve() = %v; want [first second]", reserved)
	}
}

func TestReserveDoesNotDoubleAssign(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50})

	first, err := q.Reserve("worker-1", 5)
	if err != nil || len(first) != 1 {
		t.Fatalf("first Reserve() = %v, %v; want 1 job, no error", first, err)
	}

	second, err := q.Reserve("worker-2", 5)
	if err != nil {
		t.Fatalf("second Reserve() returned error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second Reserve() = %v; want empty, job already assigned", second)
	}
}

func TestAckTransitionsToRunning(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50})
	if _, err := q.Reserve("worker-1", 1); err != nil {
		t.Fatalf("Reserve() returned error: %v", err)
	}

	if err := q.Ack("j1"); err != nil {
		t.Fatalf("Ack() returned error: %v", err)
	}

	var job types.Job
	if err := q.jobs().Get("j1", &job); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if job.State != types.JobRunning {
		t.Errorf("State = %q; want running", job.State)
	}
}

func TestNackRequeuesUnderMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50, MaxAttempts: 3})
	if _, err := q.Reserve("worker-1", 1); err != nil {
		t.Fatalf("Reserve() returned error: %v", err)
	}

	if err := q.Nack("j1", "runner unreachable"); err != nil {
		t.Fatalf("Nack() returned error: %v", err)
	}

	var job types.Job
	if err := q.jobs().Get("j1", &job); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if job.State != types.JobPending {
		t.Errorf("State = %q; want pending after nack under max attempts", job.State)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d; want 1", job.Attempts)
	}
	if !job.ScheduledRunAt.After(time.Now()) {
		t.Errorf("ScheduledRunAt = %v; want a future backoff time", job.ScheduledRunAt)
	}
}

func TestNackMovesToDeadAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50, MaxAttempts: 1})
	if _, err := q.Reserve("worker-1", 1); err != nil {
		t.Fatalf("Reserve() returned error: %v", err)
	}

	if err := q.Nack("j1", "fatal"); err != nil {
		t.Fatalf("Nack() returned error: %v", err)
	}

	var job types.Job
	if err := q.jobs().Get("j1", &job); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if job.State != types.JobDead {
		t.Errorf("State = %q; want dead", job.State)
	}
}

func TestRecoverReturnsExpiredReservationsToPending(t *testing.T) {
	q := newTestQueue(t)
	job := &types.Job{JobID: "j1", Priority: 50, State: types.JobAssigned, LeaseExpiresAt: time.Now().Add(-time.Second), MaxAttempts: 5, CreatedAt: time.Now()}
	if _, err := q.jobs().AddIfAbsent(job.JobID, job); err != nil {
		t.Fatalf("AddIfAbsent() returned error: %v", err)
	}

	n, err := q.Recover()
	if err != nil {
		t.Fatalf("Recover() returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover() recovered %d jobs; want 1", n)
	}

	reserved, err := q.Reserve("worker-1", 1)
	if err != nil {
		t.Fatalf("Reserve() after recover returned error: %v", err)
	}
	if len(reserved) != 1 || reserved[0].JobID != "j1" {
		t.Fatalf("Reserve() after recover = %v; want j1 to be reservable again", reserved)
	}
}

func TestNackBackoffGrowsAndCaps(t *testing.T) {
	if got := nackBackoff(1); got != baseBackoff {
		t.Errorf("nackBackoff(1) = %v; want %v", got, baseBackoff)
	}
	if got := nackBackoff(2); got != 2*baseBackoff {
		t.Errorf("nackBackoff(2) = %v; want %v", got, 2*baseBackoff)
	}
	if got := nackBackoff(20); got != maxBackoff {
		t.Errorf("nackBackoff(20) = %v; want capped at %v", got, maxBackoff)
	}
}
