// Package pool implements C3: one RunnerPool per repository, the runner
// registry backing it, and the scaling-trigger evaluation loop that turns
// utilization into scale(repo, delta) calls against C4.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// defaultGlobalInflightScale bounds how many pools may run a scale()
// operation concurrently, per §4.3's "global in-flight limit (default 8)".
const defaultGlobalInflightScale = 8

// Provisioner is the slice of C4 a Manager needs to create and tear down
// runners. Kept as an interface so lib/pool never imports lib/containers.
type Provisioner interface {
	Provision(pool string, runnerType types.RunnerType, labels []string) (*types.Runner, error)
	Terminate(runnerID string) error
}

// Manager owns the pools and runners collections and implements every
// operation named in §4.3.
type Manager struct {
	st        *store.Store
	bus       *bus.Bus
	provision Provisioner

	inflight chan struct{}

	demandMu sync.Mutex
	demand   map[string]int // repository -> unmet capacity requests since the last scaling tick
}

// New builds a Manager. provisioner may be nil until C4 is wired at the
// composition root; scale() then fails closed rather than panicking.
func New(st *store.Store, b *bus.Bus, provisioner Provisioner) *Manager {
	return &Manager{
		st:        st,
		bus:       b,
		provision: provisioner,
		inflight:  make(chan struct{}, defaultGlobalInflightScale),
		demand:    make(map[string]int),
	}
}

func (m *Manager) pools() *store.Collection   { return m.st.Collection("pools") }
func (m *Manager) runners() *store.Collection { return m.st.Collection("runners") }

// GetOrCreatePool implements §4.3 `getOrCreatePool`.
func (m *Manager) GetOrCreatePool(repo string) (types.RunnerPool, error) {
	var p types.RunnerPool
	if err := m.pools().Get(repo, &p); err == nil {
		return p, nil
	}

	p = types.DefaultRunnerPool(repo)
	if _, err := m.pools().AddIfAbsent(repo, &p); err != nil {
		return types.RunnerPool{}, fmt.Errorf("pool: get or create %s: %w", repo, err)
	}
	// Someone may have created it concurrently; re-read to return the
	// winning copy rather than assume ours landed.
	if err := m.pools().Get(repo, &p); err != nil {
		return types.RunnerPool{}, fmt.Errorf("pool: re-read %s after create: %w", repo, err)
	}
	return p, nil
}

// UpdatePool implements §4.3 `updatePool`: merges the fields in cfg onto
// the existing pool and clamps current_size to the (possibly new) bounds.
func (m *Manager) UpdatePool(repo string, cfg types.RunnerPool) error {
	if _, err := m.GetOrCreatePool(repo); err != nil {
		return err
	}

	var p types.RunnerPool
	return m.pools().Mutate(repo, &p, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		if cfg.MinRunners != 0 {
			p.MinRunners = cfg.MinRunners
		}
		if cfg.MaxRunners != 0 {
			p.MaxRunners = cfg.MaxRunners
		}
		if cfg.ScaleIncrement != 0 {
			p.ScaleIncrement = cfg.ScaleIncrement
		}
		if cfg.ScaleUpThreshold != 0 {
			p.ScaleUpThreshold = cfg.ScaleUpThreshold
		}
		if cfg.ScaleDownThreshold != 0 {
			p.ScaleDownThreshold = cfg.ScaleDownThreshold
		}
		if cfg.IdleTimeout != 0 {
			p.IdleTimeout = cfg.IdleTimeout
		}
		if cfg.MaxRunnerAge != 0 {
			p.MaxRunnerAge = cfg.MaxRunnerAge
		}
		if p.CurrentSize > p.MaxRunners {
			p.CurrentSize = p.MaxRunners
		}
		if p.CurrentSize < p.MinRunners {
			p.CurrentSize = p.MinRunners
		}
		return nil
	})
}

// FindRunner implements §4.3 `findRunner`: picks an idle runner in repo's
// pool whose labels are a superset of requested, and atomically claims it
// (idle→busy) so two concurrent dispatchers can't hand out the same
// runner. Grounded on the teacher's ReserveHost, which marks a host
// HostReserved under lock before returning it to the caller.
func (m *Manager) FindRunner(repo string, labels []string) (string, error) {
	var candidates []string
	err := m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.Pool != repo || r.State != types.RunnerIdle {
			return nil
		}
		if !r.HasLabels(labels) {
			return nil
		}
		candidates = append(candidates, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("pool: find runner for %s: %w", repo, err)
	}

	for _, id := range candidates {
		var r types.Runner
		claimed := false
		claimErr := m.runners().Mutate(id, &r, func(exists bool) error {
			if !exists || r.State != types.RunnerIdle {
				return store.ErrMutateAbort
			}
			r.State = types.RunnerBusy
			claimed = true
			return nil
		})
		if claimErr != nil {
			continue
		}
		if !claimed {
			continue
		}
		if m.bus != nil {
			m.bus.RunnerState.Publish(bus.RunnerStateEvent{RunnerID: id, Pool: repo, From: types.RunnerIdle, To: types.RunnerBusy, At: time.Now()})
		}
		return id, nil
	}

	return "", nil
}

// RequestCapacity implements §4.3 `requestCapacity`: records unmet demand
// for job.Repository so the next scaling tick (or C5's demand predictor)
// can account for it.
func (m *Manager) RequestCapacity(job *types.Job) {
	m.demandMu.Lock()
	m.demand[job.Repository]++
	m.demandMu.Unlock()

	if m.bus != nil {
		m.bus.CapacityRequest.Publish(bus.CapacityRequestEvent{
			Repository: job.Repository,
			JobID:      job.JobID,
			Labels:     job.Labels,
			At:         time.Now(),
		})
	}
}

// takeDemand returns and clears the recorded capacity requests for repo.
func (m *Manager) takeDemand(repo string) int {
	m.demandMu.Lock()
	defer m.demandMu.Unlock()
	n := m.demand[repo]
	delete(m.demand, repo)
	return n
}

// Drain implements §4.3 `drain`: the runner stops accepting new jobs but
// finishes any job in progress; cleanup reclaims it afterward.
func (m *Manager) Drain(runnerID string) error {
	var r types.Runner
	return m.runners().Mutate(runnerID, &r, func(exists bool) error {
		if !exists || r.State == types.RunnerTerminated {
			return store.ErrMutateAbort
		}
		r.State = types.RunnerDraining
		return nil
	})
}

// Reclaim implements §4.3 `reclaim`: tears down the runner via C4 and
// marks it terminated. Idempotent: a runner already terminated is a no-op.
func (m *Manager) Reclaim(runnerID string) error {
	var r types.Runner
	if err := m.runners().Get(runnerID, &r); err != nil {
		return fmt.Errorf("pool: reclaim %s: %w", runnerID, err)
	}
	if r.State == types.RunnerTerminated {
		return nil
	}

	if m.provision != nil {
		if err := m.provision.Terminate(runnerID); err != nil {
			return fmt.Errorf("pool: reclaim %s: terminate: %w", runnerID, err)
		}
	}

	return m.runners().Mutate(runnerID, &r, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		from := r.State
		r.State = types.RunnerTerminated
		if m.bus != nil {
			m.bus.RunnerState.Publish(bus.RunnerStateEvent{RunnerID: runnerID, Pool: r.Pool, From: from, To: types.RunnerTerminated, At: time.Now()})
		}
		return nil
	})
}

// Scale implements §4.3 `scale`: creates delta new runners (delta > 0) or
// reclaims |delta| idle runners (delta < 0), bounded by the pool's
// min/max and the global in-flight limiter.
func (m *Manager) Scale(repo string, delta int) error {
	if delta == 0 {
		return nil
	}

	select {
	case m.inflight <- struct{}{}:
	default:
		return fmt.Errorf("pool: scale %s: global in-flight scale limit reached", repo)
	}
	defer func() { <-m.inflight }()

	p, err := m.GetOrCreatePool(repo)
	if err != nil {
		return err
	}

	logger := log.WithFunc("pool", "Scale").With("repository", repo, "delta", delta)

	if delta > 0 {
		room := p.MaxRunners - p.CurrentSize
		if room <= 0 {
			logger.Debug("scale up refused, pool at max_runners", "current_size", p.CurrentSize, "max_runners", p.MaxRunners)
			return nil
		}
		if delta > room {
			delta = room
		}
		return m.scaleUp(repo, delta)
	}

	want := -delta
	room := p.CurrentSize - p.MinRunners
	if room <= 0 {
		logger.Debug("scale down refused, pool at min_runners", "current_size", p.CurrentSize, "min_runners", p.MinRunners)
		return nil
	}
	if want > room {
		want = room
	}
	return m.scaleDown(repo, want)
}

func (m *Manager) scaleUp(repo string, n int) error {
	if m.provision == nil {
		return fmt.Errorf("pool: scale up %s: no provisioner configured", repo)
	}
	logger := log.WithFunc("pool", "scaleUp").With("repository", repo, "count", n)

	var created int
	for i := 0; i < n; i++ {
		r, err := m.provision.Provision(repo, types.RunnerMedium, nil)
		if err != nil {
			logger.Error("failed to provision runner", "err", err)
			continue
		}
		if _, err := m.runners().AddIfAbsent(r.RunnerID, r); err != nil {
			logger.Error("failed to record provisioned runner", "runner_id", r.RunnerID, "err", err)
			continue
		}
		created++
	}

	if created == 0 {
		return fmt.Errorf("pool: scale up %s: all %d provisioning attempts failed", repo, n)
	}

	var p types.RunnerPool
	return m.pools().Mutate(repo, &p, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		p.CurrentSize += created
		p.LastScaleAt = time.Now()
		return nil
	})
}

func (m *Manager) scaleDown(repo string, n int) error {
	logger := log.WithFunc("pool", "scaleDown").With("repository", repo, "count", n)

	candidates, err := m.idleRunners(repo)
	if err != nil {
		return err
	}

	var reclaimed int
	for _, id := range candidates {
		if reclaimed >= n {
			break
		}
		if err := m.Reclaim(id); err != nil {
			logger.Error("failed to reclaim runner", "runner_id", id, "err", err)
			continue
		}
		reclaimed++
	}

	if reclaimed == 0 {
		return nil
	}

	var p types.RunnerPool
	return m.pools().Mutate(repo, &p, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		p.CurrentSize -= reclaimed
		if p.CurrentSize < 0 {
			p.CurrentSize = 0
		}
		p.LastScaleAt = time.Now()
		return nil
	})
}

// PoolStats reports repo's current pool size and how many of its runners
// are busy, for C5's utilization-based target computation.
func (m *Manager) PoolStats(repo string) (current, busy int, err error) {
	var p types.RunnerPool
	if err := m.pools().Get(repo, &p); err != nil {
		return 0, 0, fmt.Errorf("pool: stats for %s: %w", repo, err)
	}

	err = m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.Pool == repo && r.State == types.RunnerBusy {
			busy++
		}
		return nil
	})
	return p.CurrentSize, busy, err
}

// ListRunners returns every runner record belonging to repo, for C5's cost
// optimizer to build its spend projection from.
func (m *Manager) ListRunners(repo string) ([]types.Runner, error) {
	var out []types.Runner
	err := m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.Pool == repo {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (m *Manager) idleRunners(repo string) ([]string, error) {
	var pool types.RunnerPool
	if err := m.pools().Get(repo, &pool); err != nil {
		return nil, fmt.Errorf("pool: idle runners for %s: %w", repo, err)
	}
	protected := make(map[string]struct{}, len(pool.ProtectedRunnerIDs))
	for _, id := range pool.ProtectedRunnerIDs {
		protected[id] = struct{}{}
	}

	var ids []string
	err := m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.Pool != repo || r.State != types.RunnerIdle || r.Persistent {
			return nil
		}
		if _, ok := protected[id]; ok {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}
