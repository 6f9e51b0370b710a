package containers

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// Delegate implements queue.Delegator: the dispatcher has already reserved
// jobID and picked runnerID via FindRunner (which claimed the runner
// idle→busy). Delegate only needs to record the hand-off — the
// actions-runner process inside the container polls GitHub directly and
// picks the job up on its own once it's idle and labeled correctly.
func (m *Manager) Delegate(jobID, runnerID string) error {
	var r types.Runner
	from := types.RunnerIdle
	err := m.runners().Mutate(runnerID, &r, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		from = r.State
		r.State = types.RunnerBusy
		r.LastJobAt = time.Now()
		r.JobsProcessed++
		return nil
	})
	if err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.RunnerState.Publish(bus.RunnerStateEvent{
			RunnerID: runnerID,
			Pool:     r.Pool,
			From:     from,
			To:       types.RunnerBusy,
			At:       time.Now(),
		})
	}
	return nil
}
