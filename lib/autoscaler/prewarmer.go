package autoscaler

import (
	"fmt"
	"math"
	"time"

	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// defaultPrewarmConcurrency bounds how many pre-warm provisions run at
// once, per §4.5's "concurrent warmups bounded (default 5)".
const defaultPrewarmConcurrency = 5

const (
	prewarmTargetMin = 2
	prewarmTargetMax = 20
)

// ContainerProvisioner is the slice of C4 the pre-warmer needs: the same
// shape lib/pool.Provisioner requires, so a *Prewarmer can stand in for
// C4 wherever a Provisioner is expected, plus Get to recover the full
// Runner behind a claimed PrewarmedContainer.
type ContainerProvisioner interface {
	Provision(pool string, runnerType types.RunnerType, labels []string) (*types.Runner, error)
	Terminate(runnerID string) error
	Get(runnerID string) (*types.Runner, error)
}

// Prewarmer implements the Pre-warmer sub-module of §4.5. It wraps a real
// ContainerProvisioner and itself satisfies the same Provision/Terminate
// shape, so C3's pool manager can be pointed at a Prewarmer instead of at
// C4 directly: Provision first tries to hand over a ready pre-warmed
// container before falling through to a fresh one.
type Prewarmer struct {
	provision ContainerProvisioner
	st        *store.Store
	cfg       *config.Config
	inflight  chan struct{}
}

// NewPrewarmer builds a Prewarmer backed by provision for actual container
// lifecycle operations.
func NewPrewarmer(provision ContainerProvisioner, st *store.Store, cfg *config.Config) *Prewarmer {
	return &Prewarmer{
		provision: provision,
		st:        st,
		cfg:       cfg,
		inflight:  make(chan struct{}, defaultPrewarmConcurrency),
	}
}

func (p *Prewarmer) pool() *store.Collection { return p.st.Collection("prewarm") }

// templates returns the configured pre-warm templates, or the §6 defaults
// if none were set.
func (p *Prewarmer) templates() []types.ContainerTemplate {
	names := p.cfg.PrewarmTemplate
	if len(names) == 0 {
		names = []string{"ubuntu-latest", "ubuntu-22.04", "node"}
	}
	out := make([]types.ContainerTemplate, 0, len(names))
	for _, n := range names {
		out = append(out, types.ContainerTemplate{Image: n, Labels: []string{n}})
	}
	return out
}

func (p *Prewarmer) maxAge() time.Duration {
	if p.cfg.PrewarmMaxAge > 0 {
		return p.cfg.PrewarmMaxAge
	}
	return time.Hour
}

// Provision satisfies lib/pool.Provisioner: it claims a ready pre-warmed
// container for repo before provisioning a fresh one.
func (p *Prewarmer) Provision(repo string, runnerType types.RunnerType, labels []string) (*types.Runner, error) {
	if r, ok, err := p.claim(repo, labels); err != nil {
		return nil, err
	} else if ok {
		return r, nil
	}
	return p.provision.Provision(repo, runnerType, labels)
}

// Terminate satisfies lib/pool.Provisioner by delegating straight through.
func (p *Prewarmer) Terminate(runnerID string) error {
	return p.provision.Terminate(runnerID)
}

// claim looks for a ready PrewarmedContainer matching repo and requested
// labels, marks it claimed, and returns the Runner behind it.
func (p *Prewarmer) claim(repo string, labels []string) (*types.Runner, bool, error) {
	var ids []string
	if err := p.pool().Scan(func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return nil, false, err
	}

	for _, id := range ids {
		var c types.PrewarmedContainer
		claimed := false
		err := p.pool().Mutate(id, &c, func(exists bool) error {
			if !exists || c.Status != types.PrewarmReady {
				return store.ErrMutateAbort
			}
			if c.Repository != "" && c.Repository != repo {
				return store.ErrMutateAbort
			}
			if !hasAllLabels(c.Template.Labels, labels) {
				return store.ErrMutateAbort
			}
			c.Status = types.PrewarmClaimed
			claimed = true
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		if !claimed {
			continue
		}
		r, err := p.provision.Get(c.RunnerID)
		if err != nil {
			return nil, false, err
		}
		r.Pool = repo
		r.Lifecycle = types.LifecyclePrewarmed
		return r, true, nil
	}
	return nil, false, nil
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, l := range want {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

// AdaptiveTarget converts a short-term job forecast into a pre-warm pool
// size, clamped to [prewarmTargetMin, prewarmTargetMax] per §4.5.
func AdaptiveTarget(predictedShortTermJobs float64) int {
	target := int(math.Ceil(predictedShortTermJobs / 10))
	if target < prewarmTargetMin {
		target = prewarmTargetMin
	}
	if target > prewarmTargetMax {
		target = prewarmTargetMax
	}
	return target
}

// Warm provisions one fresh pre-warmed container for template, generic to
// repo (or org-wide if repo is empty). Blocks if defaultPrewarmConcurrency
// warmups are already in flight.
func (p *Prewarmer) Warm(repo string, template types.ContainerTemplate) error {
	p.inflight <- struct{}{}
	defer func() { <-p.inflight }()

	r, err := p.provision.Provision(repo, types.RunnerMedium, template.Labels)
	if err != nil {
		return fmt.Errorf("autoscaler: warm %s: %w", template.Image, err)
	}

	c := types.PrewarmedContainer{
		RunnerID:    r.RunnerID,
		ContainerID: r.ContainerID,
		Repository:  repo,
		Template:    template,
		Status:      types.PrewarmReady,
		CreatedAt:   time.Now(),
	}
	return p.pool().Add(r.RunnerID, c)
}

// ReconcileAll reconciles every configured template's pre-warm pool for
// repo towards target, returning the first error encountered while still
// attempting the remaining templates.
func (p *Prewarmer) ReconcileAll(repo string, target int) error {
	var firstErr error
	for _, tmpl := range p.templates() {
		if err := p.Reconcile(repo, tmpl, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reconcile tops up or recycles the pre-warm pool for repo against
// template towards target, discarding entries older than PrewarmMaxAge or
// whose backing runner has failed health checks.
func (p *Prewarmer) Reconcile(repo string, template types.ContainerTemplate, target int) error {
	logger := log.WithFunc("autoscaler", "Reconcile").With("repository", repo, "template", template.Image, "target", target)

	var ids []string
	if err := p.pool().Scan(func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}

	now := time.Now()
	var live int
	for _, id := range ids {
		var c types.PrewarmedContainer
		if err := p.pool().Get(id, &c); err != nil {
			continue
		}
		if c.Repository != repo || c.Template.Image != template.Image || c.Status == types.PrewarmClaimed {
			continue
		}

		stale := now.Sub(c.CreatedAt) > p.maxAge()
		unhealthy := false
		if r, err := p.provision.Get(c.RunnerID); err == nil {
			unhealthy = r.HealthFailures > 0 || r.State == types.RunnerTerminated
		}

		if stale || unhealthy {
			if err := p.provision.Terminate(c.RunnerID); err != nil {
				logger.Error("failed to terminate recycled pre-warm container", "runner_id", c.RunnerID, "err", err)
			}
			if err := p.pool().Delete(id); err != nil {
				return err
			}
			continue
		}
		live++
	}

	for i := live; i < target; i++ {
		if err := p.Warm(repo, template); err != nil {
			logger.Error("failed to warm replacement container", "err", err)
			continue
		}
	}
	return nil
}
