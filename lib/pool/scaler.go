package pool

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// evaluateScaling implements §4.3's scaling triggers for one pool:
// utilization-based scale up/down, gated by thresholds and idle timeouts.
// Returns the delta it decided on (0 if no action was taken).
func (m *Manager) evaluateScaling(repo string) (int, error) {
	var p types.RunnerPool
	if err := m.pools().Get(repo, &p); err != nil {
		return 0, err
	}

	busy, idleSince, err := m.runnerCounts(repo)
	if err != nil {
		return 0, err
	}

	denom := p.CurrentSize
	if denom < 1 {
		denom = 1
	}
	utilization := float64(busy) / float64(denom)

	logger := log.WithFunc("pool", "evaluateScaling").With("repository", repo, "utilization", utilization, "current_size", p.CurrentSize)

	if utilization >= p.ScaleUpThreshold && p.CurrentSize < p.MaxRunners {
		increment := p.ScaleIncrement
		if increment <= 0 {
			increment = 1
		}
		logger.Info("scaling up", "increment", increment)
		if err := m.Scale(repo, increment); err != nil {
			return 0, err
		}
		return increment, nil
	}

	if utilization <= p.ScaleDownThreshold && p.CurrentSize > p.MinRunners {
		longIdle := 0
		now := time.Now()
		for _, since := range idleSince {
			if now.Sub(since) >= time.Duration(p.IdleTimeout) {
				longIdle++
			}
		}
		if longIdle == 0 {
			return 0, nil
		}
		room := p.CurrentSize - p.MinRunners
		if longIdle > room {
			longIdle = room
		}
		logger.Info("scaling down", "count", longIdle)
		if err := m.Scale(repo, -longIdle); err != nil {
			return 0, err
		}
		return -longIdle, nil
	}

	return 0, nil
}

// runnerCounts returns the number of busy runners and the last-job (or
// creation) time of every idle runner in repo's pool.
func (m *Manager) runnerCounts(repo string) (busy int, idleSince []time.Time, err error) {
	err = m.runners().Scan(func(id string) error {
		var r types.Runner
		if getErr := m.runners().Get(id, &r); getErr != nil {
			return nil
		}
		if r.Pool != repo {
			return nil
		}
		switch r.State {
		case types.RunnerBusy:
			busy++
		case types.RunnerIdle:
			since := r.LastJobAt
			if since.IsZero() {
				since = r.CreatedAt
			}
			idleSince = append(idleSince, since)
		}
		return nil
	})
	return busy, idleSince, err
}

// Repositories lists every repository with a pool record, used by C5's
// coordinator to iterate pools each tick.
func (m *Manager) Repositories() ([]string, error) {
	var repos []string
	err := m.pools().Scan(func(id string) error {
		repos = append(repos, id)
		return nil
	})
	return repos, err
}

// EvaluateLoop runs the §4.3 scaling-trigger evaluation across every known
// pool on a 30s tick, until done is closed. Intended to run only on the
// current leader (see lib/ha); RunnerHub passes a done channel tied to
// that node's leadership.
func (m *Manager) EvaluateLoop(done <-chan struct{}) {
	logger := log.WithFunc("pool", "EvaluateLoop")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			repos, err := m.Repositories()
			if err != nil {
				logger.Error("failed to list pools", "err", err)
				continue
			}
			for _, repo := range repos {
				if _, err := m.evaluateScaling(repo); err != nil && err != store.ErrMutateAbort {
					logger.Error("scaling evaluation failed", "repository", repo, "err", err)
				}
			}
		}
	}
}
