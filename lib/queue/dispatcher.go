package queue

import (
	"context"
	"time"

	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/types"
)

// RunnerSource is the slice of C3 a dispatcher needs: find an idle runner
// for a job, or signal that none is available so C3/C5 can scale up. Kept
// as an interface so lib/queue never imports lib/pool directly.
type RunnerSource interface {
	FindRunner(repository string, labels []string) (runnerID string, err error)
	RequestCapacity(job *types.Job)
}

// Delegator hands a reserved job's GitHub runner token to the chosen
// runner. Implemented by lib/containers (C4).
type Delegator interface {
	Delegate(jobID, runnerID string) error
}

// Dispatcher implements §4.2's dispatcher loop: reserve a batch, find a
// runner via C3 for each, delegate via C4 or nack back to the queue.
type Dispatcher struct {
	q         *Queue
	pool      RunnerSource
	delegator Delegator
	workerID  string
	batchSize int
}

// NewDispatcher builds a Dispatcher identified by workerID, reserving up
// to batchSize jobs per cycle (default 10 per §4.2).
func NewDispatcher(q *Queue, pool RunnerSource, delegator Delegator, workerID string, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Dispatcher{q: q, pool: pool, delegator: delegator, workerID: workerID, batchSize: batchSize}
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := log.WithFunc("queue", "Dispatcher.Run").With("worker_id", d.workerID)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(); err != nil {
				logger.Error("dispatch tick failed", "err", err)
			}
		}
	}
}

func (d *Dispatcher) tick() error {
	logger := log.WithFunc("queue", "Dispatcher.tick").With("worker_id", d.workerID)

	jobs, err := d.q.Reserve(d.workerID, d.batchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		runnerID, err := d.pool.FindRunner(job.Repository, job.Labels)
		if err != nil || runnerID == "" {
			d.pool.RequestCapacity(job)
			if nackErr := d.q.Nack(job.JobID, "no runner capacity available"); nackErr != nil {
				logger.Error("failed to nack job awaiting capacity", "job_id", job.JobID, "err", nackErr)
			}
			continue
		}

		if err := d.delegator.Delegate(job.JobID, runnerID); err != nil {
			logger.Error("failed to delegate job to runner", "job_id", job.JobID, "runner_id", runnerID, "err", err)
			if nackErr := d.q.Nack(job.JobID, err.Error()); nackErr != nil {
				logger.Error("failed to nack job after delegation failure", "job_id", job.JobID, "err", nackErr)
			}
			continue
		}

		if err := d.q.Ack(job.JobID); err != nil {
			logger.Error("failed to ack delegated job", "job_id", job.JobID, "err", err)
		}
	}

	return nil
}
