package containers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
	"github.com/runnerhub/runnerhub/lib/util"
)

func (m *Manager) pools() *store.Collection { return m.st.Collection("pools") }

func (m *Manager) cleanupPolicies() *store.Collection { return m.st.Collection("cleanup_policies") }

// PolicyFor returns the cleanup policy configured for repo, or
// DefaultCleanupPolicy if none has been set through SetPolicy.
func (m *Manager) PolicyFor(repo string) (CleanupPolicy, error) {
	return m.effectivePolicy(repo, DefaultCleanupPolicy())
}

// effectivePolicy returns repo's stored override, or fallback if none is
// set. Used by Cleanup so a caller-supplied default still applies to
// every repository without an explicit PUT /api/cleanup/policies/:id.
func (m *Manager) effectivePolicy(repo string, fallback CleanupPolicy) (CleanupPolicy, error) {
	var p CleanupPolicy
	if err := m.cleanupPolicies().Get(repo, &p); err != nil {
		if err == store.ErrNotFound {
			return fallback, nil
		}
		return CleanupPolicy{}, err
	}
	return p, nil
}

// SetPolicy overrides the cleanup policy for repo - backs
// `PUT /api/cleanup/policies/:id`.
func (m *Manager) SetPolicy(repo string, policy CleanupPolicy) error {
	return m.cleanupPolicies().Add(repo, &policy)
}

// Policies returns every repository with an explicit policy override -
// backs `GET /api/cleanup/policies`. Repositories not present here are still cleaned up, under
// DefaultCleanupPolicy.
func (m *Manager) Policies() (map[string]CleanupPolicy, error) {
	result := make(map[string]CleanupPolicy)
	err := m.cleanupPolicies().Scan(func(id string) error {
		var p CleanupPolicy
		if err := m.cleanupPolicies().Get(id, &p); err != nil {
			return nil
		}
		result[id] = p
		return nil
	})
	return result, err
}

// Terminate implements the pool.Provisioner half of §4.3's `reclaim`:
// destroys the container backing runnerID and de-registers it from
// GitHub if it ever checked in. Idempotent.
func (m *Manager) Terminate(runnerID string) error {
	var r types.Runner
	if err := m.runners().Get(runnerID, &r); err != nil {
		return fmt.Errorf("containers: terminate %s: %w", runnerID, err)
	}

	m.destroy(containerName(runnerID))

	if r.RegisteredAt.IsZero() {
		return nil
	}
	owner, repo, err := splitRepo(r.Pool)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ghRunners, err := m.tokens.ListRunners(ctx, owner, repo)
	if err != nil {
		log.WithFunc("containers", "Terminate").Warn("failed to list GitHub runners for de-registration", "runner_id", runnerID, "err", err)
		return nil
	}
	for _, gr := range ghRunners {
		if gr.GetName() != containerName(runnerID) {
			continue
		}
		if err := m.tokens.RemoveRunner(ctx, owner, repo, gr.GetID()); err != nil {
			log.WithFunc("containers", "Terminate").Warn("failed to de-register runner from GitHub", "runner_id", runnerID, "err", err)
		}
		break
	}
	return nil
}

// destroy stops and force-removes a container, per §4.4's "idempotent
// destruction": 10s grace stop, then force remove, suppressing
// "no such container" so a concurrent or repeated destroy is a no-op.
func (m *Manager) destroy(cName string) {
	logger := log.WithFunc("containers", "destroy").With("container", cName)

	_, stderr, err := util.RunAndLog("CONTAINERS", stopGrace+5*time.Second, nil, m.dockerPath(),
		"stop", "--time", "10", cName)
	if err != nil && !dockerErrIsMissingContainer(stderr) {
		logger.Warn("stop failed, forcing removal anyway", "err", err)
	}

	_, stderr, err = util.RunAndLog("CONTAINERS", 15*time.Second, nil, m.dockerPath(),
		"rm", "-f", cName)
	if err != nil && !dockerErrIsMissingContainer(stderr) {
		logger.Error("failed to remove container", "err", err)
	}
}

// CleanupPolicy configures one reclamation rule evaluated by Cleanup, per
// §4.4 `cleanup()`.
type CleanupPolicy struct {
	IdleEnabled     bool
	FailedEnabled   bool
	OrphanedEnabled bool
	ExpiredEnabled  bool
}

// DefaultCleanupPolicy enables every reclamation policy named in §4.4.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{IdleEnabled: true, FailedEnabled: true, OrphanedEnabled: true, ExpiredEnabled: true}
}

// Cleanup implements §4.4 `cleanup()`: policy-driven reclamation of
// runners, evaluated every 60s. defaultPolicy applies to every repository
// without an explicit override set through SetPolicy.
func (m *Manager) Cleanup(defaultPolicy CleanupPolicy) error {
	logger := log.WithFunc("containers", "Cleanup")

	idleTimeouts := make(map[string]time.Duration)
	maxAges := make(map[string]time.Duration)
	protected := make(map[string]struct{})
	if err := m.pools().Scan(func(repo string) error {
		var p types.RunnerPool
		if err := m.pools().Get(repo, &p); err != nil {
			return nil
		}
		idleTimeouts[repo] = time.Duration(p.IdleTimeout)
		maxAges[repo] = time.Duration(p.MaxRunnerAge)
		for _, pid := range p.ProtectedRunnerIDs {
			protected[pid] = struct{}{}
		}
		return nil
	}); err != nil {
		return err
	}

	managedContainers, err := m.managedContainerNames()
	if err != nil {
		logger.Warn("failed to list managed containers for orphan check", "err", err)
	}

	return m.runners().Scan(func(id string) error {
		var r types.Runner
		if err := m.runners().Get(id, &r); err != nil {
			return nil
		}
		if r.Persistent {
			return nil
		}

		now := time.Now()

		policy, err := m.effectivePolicy(r.Pool, defaultPolicy)
		if err != nil {
			logger.Warn("failed to read cleanup policy override, using default", "pool", r.Pool, "err", err)
			policy = defaultPolicy
		}

		if r.State == types.RunnerTerminated {
			if policy.FailedEnabled {
				// monitor() already flipped the Runner to terminated; make
				// sure its container is actually gone too.
				m.destroy(containerName(id))
			}
			return nil
		}

		if policy.IdleEnabled && r.State == types.RunnerIdle {
			timeout := idleTimeouts[r.Pool]
			if timeout > 0 && !r.LastJobAt.IsZero() && now.Sub(r.LastJobAt) > timeout {
				logger.Info("reclaiming idle runner past idle_timeout", "runner_id", id)
				return m.Reclaim(id)
			}
		}

		if policy.ExpiredEnabled {
			maxAge := maxAges[r.Pool]
			_, isProtected := protected[id]
			if maxAge > 0 && !isProtected && now.Sub(r.CreatedAt) > maxAge {
				logger.Info("draining expired runner past max_runner_age", "runner_id", id)
				return m.Reclaim(id)
			}
		}

		if policy.OrphanedEnabled && len(managedContainers) > 0 {
			if _, ok := managedContainers[containerName(id)]; !ok && r.State != types.RunnerProvisioning {
				logger.Info("reclaiming runner with no backing container", "runner_id", id)
				return m.Reclaim(id)
			}
		}

		return nil
	})
}

func (m *Manager) managedContainerNames() (map[string]struct{}, error) {
	stdout, _, err := util.RunAndLog("CONTAINERS", 5*time.Second, nil, m.dockerPath(),
		"ps", "-a", "--filter", "label="+managedLabel+"=true", "--format", "{{ .Names }}")
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{})
	for _, name := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if name != "" {
			names[name] = struct{}{}
		}
	}
	return names, nil
}

// CleanupLoop runs Cleanup every 60s until done is closed, per §4.4.
func (m *Manager) CleanupLoop(done <-chan struct{}, policy CleanupPolicy) {
	logger := log.WithFunc("containers", "CleanupLoop")
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.Cleanup(policy); err != nil {
				logger.Error("cleanup pass failed", "err", err)
			}
		}
	}
}
