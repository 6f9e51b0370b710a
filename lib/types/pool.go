package types

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/util"
)

// RunnerPool is a bounded collection of runners serving one repository (or
// the shared default pool).
type RunnerPool struct {
	Repository         string        `json:"repository"`
	MinRunners         int           `json:"min_runners"`
	MaxRunners         int           `json:"max_runners"`
	ScaleIncrement     int           `json:"scale_increment"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold"`
	CurrentSize        int           `json:"current_size"`
	IdleTimeout        util.Duration `json:"idle_timeout"`
	MaxRunnerAge       util.Duration `json:"max_runner_age"`
	ProtectedRunnerIDs []string      `json:"protected_runner_ids,omitempty"`
	LastScaleAt        time.Time     `json:"last_scale_at,omitempty"`
}

// DefaultRunnerPool returns the repository pool defaults named in spec.md
// §4.3/§6, applied when a pool is first lazily created.
func DefaultRunnerPool(repository string) RunnerPool {
	return RunnerPool{
		Repository:         repository,
		MinRunners:         0,
		MaxRunners:         10,
		ScaleIncrement:     2,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		IdleTimeout:        util.Duration(5 * time.Minute),
		MaxRunnerAge:       util.Duration(time.Hour),
	}
}

// RunnerState is the lifecycle of a Runner within its pool.
type RunnerState string

const (
	RunnerProvisioning RunnerState = "provisioning"
	RunnerIdle         RunnerState = "idle"
	RunnerBusy         RunnerState = "busy"
	RunnerDraining     RunnerState = "draining"
	RunnerTerminated   RunnerState = "terminated"
)

// RunnerType selects the resource profile applied at provisioning time.
type RunnerType string

const (
	RunnerSmall  RunnerType = "small"
	RunnerMedium RunnerType = "medium"
	RunnerLarge  RunnerType = "large"
)

// RunnerLifecycle distinguishes on-demand, spot/pre-emptible and
// pre-warmed runners for cost accounting.
type RunnerLifecycle string

const (
	LifecycleOnDemand  RunnerLifecycle = "on-demand"
	LifecycleSpot      RunnerLifecycle = "spot"
	LifecyclePrewarmed RunnerLifecycle = "pre-warmed"
)

// Runner is a configured GitHub runner backed by a container, exclusively
// owned by one RunnerPool.
type Runner struct {
	RunnerID        string          `json:"runner_id"`
	Pool            string          `json:"pool"`
	ContainerID     string          `json:"container_id"`
	Labels          []string        `json:"labels"`
	State           RunnerState     `json:"state"`
	Type            RunnerType      `json:"type"`
	Region          string          `json:"region"`
	Lifecycle       RunnerLifecycle `json:"lifecycle"`
	CreatedAt       time.Time       `json:"created_at"`
	LastJobAt       time.Time       `json:"last_job_at,omitempty"`
	JobsProcessed   int             `json:"jobs_processed"`
	WarmupStartedAt time.Time       `json:"warmup_started_at,omitempty"`
	RegisteredAt    time.Time       `json:"registered_at,omitempty"`
	HealthFailures  int             `json:"health_failures"`
	Persistent      bool            `json:"persistent,omitempty"`
}

// HasLabels reports whether r's label set is a superset of requested,
// the matching rule findRunner (spec.md §4.3) uses.
func (r *Runner) HasLabels(requested []string) bool {
	have := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		have[l] = struct{}{}
	}
	for _, want := range requested {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}
