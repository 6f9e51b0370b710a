package queue

import (
	"errors"
	"testing"

	"github.com/runnerhub/runnerhub/lib/types"
)

type stubPool struct {
	runnerID     string
	capacityAsks []*types.Job
}

func (p *stubPool) FindRunner(repository string, labels []string) (string, error) {
	return p.runnerID, nil
}

func (p *stubPool) RequestCapacity(job *types.Job) {
	p.capacityAsks = append(p.capacityAsks, job)
}

type stubDelegator struct {
	delegated map[string]string
	fail      bool
}

func (d *stubDelegator) Delegate(jobID, runnerID string) error {
	if d.fail {
		return errDelegateFailed
	}
	if d.delegated == nil {
		d.delegated = map[string]string{}
	}
	d.delegated[jobID] = runnerID
	return nil
}

var errDelegateFailed = errors.New("delegation failed")

func TestDispatcherDelegatesWhenRunnerAvailable(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50, Repository: "acme/widgets"})

	pool := &stubPool{runnerID: "runner-1"}
	delegator := &stubDelegator{}
	d := NewDispatcher(q, pool, delegator, "worker-1", 10)

	if err := d.tick(); err != nil {
		t.Fatalf("tick() returned error: %v", err)
	}

	if delegator.delegated["j1"] != "runner-1" {
		t.Fatalf("delegated = %v; want j1 -> runner-1", delegator.delegated)
	}

	var job types.Job
	if err := q.jobs().Get("j1", &job); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if job.State != types.JobRunning {
		t.Errorf("State = %q; want running after ack", job.State)
	}
}

func TestDispatcherRequestsCapacityWhenNoRunner(t *testing.T) {
	q := newTestQueue(t)
	putJob(t, q, &types.Job{JobID: "j1", Priority: 50, Repository: "acme/widgets", MaxAttempts: 5})

	pool := &stubPool{runnerID: ""}
	delegator := &stubDelegator{}
	d := NewDispatcher(q, pool, delegator, "worker-1", 10)

	if err := d.tick(); err != nil {
		t.Fatalf("tick() returned error: %v", err)
	}

	if len(pool.capacityAsks) != 1 {
		t.Fatalf("capacityAsks = %d; want 1", len(pool.capacityAsks))
	}

	var job types.Job
	if err := q.jobs().Get("j1", &job); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if job.State != types.JobPending {
		t.Errorf("State = %q; want pending after nack", job.State)
	}
}
