package containers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
	"github.com/runnerhub/runnerhub/lib/util"
)

const maxHealthFailures = 3

// containerStatus is the subset of `docker inspect` state this package
// needs for one sweep, grounded on the teacher's getContainersResources
// (same one-shot `inspect --format` pattern, generalized from CPU/memory
// fields to run state + exit code).
type containerStatus struct {
	running  bool
	exitCode int
}

func (m *Manager) inspectStatus(cName string) (containerStatus, error) {
	stdout, _, err := util.RunAndLog("CONTAINERS", 5*time.Second, nil, m.dockerPath(),
		"inspect", "--format", "{{ .State.Running }},{{ .State.ExitCode }}", cName)
	if err != nil {
		return containerStatus{}, err
	}
	parts := strings.Split(strings.TrimSpace(stdout), ",")
	if len(parts) != 2 {
		return containerStatus{}, fmt.Errorf("containers: unexpected inspect output %q", stdout)
	}
	running := parts[0] == "true"
	exitCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return containerStatus{}, fmt.Errorf("containers: parse exit code %q: %w", parts[1], err)
	}
	return containerStatus{running: running, exitCode: exitCode}, nil
}

// Monitor implements §4.4 `monitor()`: a periodic sweep of every known
// runner's backing container — state (running flag and exit code, via
// docker inspect) and health. Resource usage is not read and no resource
// metrics are emitted.
func (m *Manager) Monitor() error {
	logger := log.WithFunc("containers", "Monitor")

	return m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.State == types.RunnerTerminated || r.State == types.RunnerProvisioning {
			return nil
		}

		cName := containerName(id)
		status, err := m.inspectStatus(cName)
		if err != nil {
			// Container is gone or inspect failed; treat as an orphan for
			// Cleanup to pick up rather than guessing here.
			return nil
		}

		if !status.running {
			logger.Warn("runner container exited unexpectedly", "runner_id", id, "exit_code", status.exitCode)
			return m.markTerminated(id, r)
		}

		if !m.checkRegistered(cName) {
			return m.recordHealthFailure(id, r)
		}
		return m.clearHealthFailures(id, r)
	})
}

func (m *Manager) markTerminated(id string, r types.Runner) error {
	from := r.State
	err := m.runners().Mutate(id, &r, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		r.State = types.RunnerTerminated
		return nil
	})
	if err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.RunnerState.Publish(bus.RunnerStateEvent{RunnerID: id, Pool: r.Pool, From: from, To: types.RunnerTerminated, At: time.Now()})
	}
	return nil
}

func (m *Manager) recordHealthFailure(id string, r types.Runner) error {
	err := m.runners().Mutate(id, &r, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		r.HealthFailures++
		return nil
	})
	if err != nil {
		return err
	}
	if r.HealthFailures >= maxHealthFailures {
		return m.markTerminated(id, r)
	}
	return nil
}

func (m *Manager) clearHealthFailures(id string, r types.Runner) error {
	if r.HealthFailures == 0 {
		return nil
	}
	return m.runners().Mutate(id, &r, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		r.HealthFailures = 0
		return nil
	})
}

// MonitorLoop runs Monitor every 10s until done is closed, per §4.4.
func (m *Manager) MonitorLoop(done <-chan struct{}) {
	logger := log.WithFunc("containers", "MonitorLoop")
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.Monitor(); err != nil {
				logger.Error("monitor sweep failed", "err", err)
			}
		}
	}
}
