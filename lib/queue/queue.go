// Package queue implements C2: the priority-FIFO job queue with a
// bitcask-backed reservation lease, on top of lib/store.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

const reservationLease = 60 * time.Second

// Queue is the in-memory ready-heap fronting the durable job collection.
// Every mutation goes through the backing store first so a crash between
// steps never loses a job; the heap is a cache of that state rebuilt by
// Recover at startup.
type Queue struct {
	st  *store.Store
	bus *bus.Bus

	mu      sync.Mutex
	ready   priorityHeap
	delayed []*item
}

// New builds an empty Queue. Call Recover once after construction to seed
// it from the durable store (startup, or after a crash).
func New(st *store.Store, b *bus.Bus) *Queue {
	q := &Queue{st: st, bus: b}
	heap.Init(&q.ready)
	return q
}

func (q *Queue) jobs() *store.Collection {
	return q.st.Collection("jobs")
}

// Enqueue implements §4.2 `enqueue`: the Job is already durably written by
// the caller (C1's jobQueued, or this package's own nack/recover paths);
// Enqueue just admits it to the in-memory ordering structure.
func (q *Queue) Enqueue(job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.admit(job)
	return nil
}

func (q *Queue) admit(job *types.Job) {
	it := &item{jobID: job.JobID, priority: job.Priority, createdAt: job.CreatedAt}
	if job.ScheduledRunAt.After(time.Now()) {
		q.delayed = append(q.delayed, it)
		return
	}
	heap.Push(&q.ready, it)
}

// promoteReady moves delayed items whose ScheduledRunAt has arrived into
// the ready heap. Called with q.mu held.
func (q *Queue) promoteReady() {
	if len(q.delayed) == 0 {
		return
	}
	now := time.Now()
	remaining := q.delayed[:0]
	for _, it := range q.delayed {
		var job types.Job
		if err := q.jobs().Get(it.jobID, &job); err == nil && !job.ScheduledRunAt.After(now) {
			heap.Push(&q.ready, it)
			continue
		}
		remaining = append(remaining, it)
	}
	q.delayed = remaining
}

// Reserve implements §4.2 `reserve`: atomically marks up to n
// highest-priority ready jobs as assigned to workerID, each with a 60s
// reservation lease.
func (q *Queue) Reserve(workerID string, n int) ([]*types.Job, error) {
	logger := log.WithFunc("queue", "Reserve").With("worker_id", workerID)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteReady()

	var reserved []*types.Job

	for len(reserved) < n && q.ready.Len() > 0 {
		it := heap.Pop(&q.ready).(*item)

		var job types.Job
		claimed := false
		err := q.jobs().Mutate(it.jobID, &job, func(exists bool) error {
			if !exists || job.State != types.JobPending {
				return store.ErrMutateAbort
			}
			if !job.CanTransitionTo(types.JobAssigned) {
				return store.ErrMutateAbort
			}
			job.State = types.JobAssigned
			job.AssignedWorker = workerID
			job.LeaseExpiresAt = time.Now().Add(reservationLease)
			claimed = true
			return nil
		})
		if err != nil {
			logger.Error("failed to reserve job", "job_id", it.jobID, "err", err)
			continue
		}
		if !claimed {
			// Lost the race, or the job was already gone; drop it from the
			// heap rather than re-queue a stale entry.
			continue
		}

		reserved = append(reserved, &job)
		if q.bus != nil {
			q.bus.JobState.Publish(bus.JobStateEvent{JobID: job.JobID, From: types.JobPending, To: types.JobAssigned, At: time.Now()})
		}
	}

	return reserved, nil
}

// Ack implements §4.2 `ack`: the dispatcher successfully delegated the job
// to a runner, so it moves out of `assigned` and its lease is released.
func (q *Queue) Ack(jobID string) error {
	var job types.Job
	return q.jobs().Mutate(jobID, &job, func(exists bool) error {
		if !exists || !job.CanTransitionTo(types.JobRunning) {
			return store.ErrMutateAbort
		}
		job.State = types.JobRunning
		job.LeaseExpiresAt = time.Time{}
		job.StartedAt = time.Now()
		return nil
	})
}

// Nack implements §4.2 `nack`: increments attempts and either re-enqueues
// with backoff or moves the job to `dead` and lets the caller append it to
// a dead-letter view (the jobs collection itself, filtered by state,
// serves as the DLQ).
func (q *Queue) Nack(jobID, reason string) error {
	logger := log.WithFunc("queue", "Nack").With("job_id", jobID, "reason", reason)

	var job types.Job
	var requeue bool
	err := q.jobs().Mutate(jobID, &job, func(exists bool) error {
		if !exists || !job.CanTransitionTo(types.JobPending) {
			return store.ErrMutateAbort
		}
		job.Attempts++
		job.LastError = reason
		job.LeaseExpiresAt = time.Time{}
		job.AssignedWorker = ""
		job.State = types.JobPending

		if job.Attempts >= job.MaxAttempts {
			if job.CanTransitionTo(types.JobDead) {
				job.State = types.JobDead
			}
			return nil
		}

		job.ScheduledRunAt = time.Now().Add(nackBackoff(job.Attempts))
		requeue = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: nack %s: %w", jobID, err)
	}

	if requeue {
		q.mu.Lock()
		q.admit(&job)
		q.mu.Unlock()
	} else {
		logger.Warn("job exhausted retries, moved to dead letter", "attempts", job.Attempts)
	}

	if q.bus != nil {
		q.bus.JobState.Publish(bus.JobStateEvent{JobID: jobID, From: types.JobAssigned, To: job.State, At: time.Now()})
	}
	return nil
}

// Recover implements §4.2 `recover`: returns any job stuck in `assigned`
// past its reservation lease back to `pending`, incrementing attempts. Call
// at startup and on a periodic 30s ticker (see RecoverLoop).
func (q *Queue) Recover() (int, error) {
	now := time.Now()
	var recovered int

	err := q.jobs().Scan(func(jobID string) error {
		var job types.Job
		wasExpiredAssignment := false

		mutateErr := q.jobs().Mutate(jobID, &job, func(exists bool) error {
			if !exists {
				return store.ErrMutateAbort
			}
			if job.State != types.JobAssigned {
				return store.ErrMutateAbort
			}
			if job.LeaseExpiresAt.IsZero() || job.LeaseExpiresAt.After(now) {
				return store.ErrMutateAbort
			}
			if !job.CanTransitionTo(types.JobPending) {
				return store.ErrMutateAbort
			}
			job.State = types.JobPending
			job.Attempts++
			job.AssignedWorker = ""
			job.LeaseExpiresAt = time.Time{}
			wasExpiredAssignment = true
			return nil
		})
		if mutateErr != nil {
			return mutateErr
		}

		// Re-read: either the mutation above applied, or this job was already
		// pending in the store with nothing yet tracking it in memory (the
		// case right after a process restart).
		if getErr := q.jobs().Get(jobID, &job); getErr != nil {
			return nil
		}
		if job.State != types.JobPending {
			return nil
		}

		q.mu.Lock()
		if wasExpiredAssignment {
			recovered++
			q.admit(&job)
		} else if !q.contains(jobID) {
			q.admit(&job)
		}
		q.mu.Unlock()
		return nil
	})

	return recovered, err
}

// QueueDepth reports how many of repo's jobs are still waiting to run
// (pending or assigned but not yet running), the queue-pressure signal
// C5's metrics collection folds into each DemandSample.
func (q *Queue) QueueDepth(repo string) (queued int, err error) {
	err = q.jobs().Scan(func(id string) error {
		var j types.Job
		if getErr := q.jobs().Get(id, &j); getErr != nil {
			return nil
		}
		if j.Repository != repo {
			return nil
		}
		if j.State == types.JobPending || j.State == types.JobAssigned {
			queued++
		}
		return nil
	})
	return queued, err
}

func (q *Queue) contains(jobID string) bool {
	for _, it := range q.ready {
		if it.jobID == jobID {
			return true
		}
	}
	for _, it := range q.delayed {
		if it.jobID == jobID {
			return true
		}
	}
	return false
}

// RecoverLoop runs Recover every 30s until done is closed, per §4.2.
func (q *Queue) RecoverLoop(done <-chan struct{}) {
	logger := log.WithFunc("queue", "RecoverLoop")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := q.Recover()
			if err != nil {
				logger.Error("recover pass failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("recovered expired reservations", "count", n)
			}
		}
	}
}
