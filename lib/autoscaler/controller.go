package autoscaler

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// PoolScaler is the slice of lib/pool.Manager the Scaling Controller needs:
// current pool shape, and the ability to act on a sizing decision. Narrow
// on purpose so lib/autoscaler never imports lib/pool directly.
type PoolScaler interface {
	GetOrCreatePool(repo string) (types.RunnerPool, error)
	PoolStats(repo string) (current, busy int, err error)
	Scale(repo string, delta int) error
	Repositories() ([]string, error)
}

// BudgetGate lets the Cost Optimizer veto a scale-up when it would breach
// budget. Optional: a nil gate never blocks.
type BudgetGate interface {
	AllowScaleUp(repo string) (ok bool, reason string)
}

// Controller implements the Scaling Controller of §4.5: it turns a pool's
// current utilization and the Demand Predictor's short-term forecast into
// a target size, then applies per-tick caps, a cooldown and an optional
// budget gate before acting through PoolScaler.
type Controller struct {
	pools  PoolScaler
	budget BudgetGate
	bus    *bus.Bus
	cfg    *config.Config
	st     *store.Store
}

// NewController builds a Controller. budget may be nil to run without cost
// gating (e.g. in tests, or when BUDGET_DAILY is unset). st may be nil, in
// which case decisions are published on bus but not persisted to the
// scaling_log collection - tests exercising Evaluate's return value alone
// don't need a store.
func NewController(pools PoolScaler, budget BudgetGate, b *bus.Bus, cfg *config.Config, st *store.Store) *Controller {
	return &Controller{pools: pools, budget: budget, bus: b, cfg: cfg, st: st}
}

// scalingLog is the append-only record of every decision Evaluate makes,
// named in §6's persisted-state list.
func (c *Controller) scalingLog() *store.Collection {
	return c.st.Collection("scaling_log")
}

func (c *Controller) record(decision types.ScalingDecision) {
	if c.st == nil {
		return
	}
	if err := c.scalingLog().Add(uuid.NewString(), &decision); err != nil {
		log.WithFunc("autoscaler", "record").Error("failed to append scaling_log entry", "err", err)
	}
}

// policyLimits applies the aggressive/conservative presets §4.5 describes
// on top of the configured balanced defaults.
func (c *Controller) policyLimits() (maxUp, maxDown int, cooldown time.Duration) {
	maxUp, maxDown, cooldown = c.cfg.MaxScaleUp, c.cfg.MaxScaleDown, c.cfg.Cooldown
	switch c.cfg.ScalingPolicy {
	case config.PolicyAggressive:
		maxUp *= 2
		cooldown /= 2
	case config.PolicyConservative:
		maxUp = int(math.Max(1, float64(maxUp)/2))
		cooldown *= 2
	}
	return maxUp, maxDown, cooldown
}

// Evaluate computes and, if warranted, applies a scaling decision for
// repo. prediction is the Demand Predictor's short-term forecast for
// repo, or the zero value if no forecast is available yet - Evaluate
// degrades to pure utilization-based sizing in that case.
func (c *Controller) Evaluate(repo string, prediction types.Prediction) (types.ScalingDecision, error) {
	logger := log.WithFunc("autoscaler", "Evaluate").With("repository", repo)

	p, err := c.pools.GetOrCreatePool(repo)
	if err != nil {
		return types.ScalingDecision{}, err
	}
	current, busy, err := c.pools.PoolStats(repo)
	if err != nil {
		return types.ScalingDecision{}, err
	}

	target := utilizationTarget(current, busy, c.cfg.TargetUtilization)
	reason := types.ReasonUtilization

	if prediction.Confidence > c.cfg.ConfidenceThreshold {
		predictedTarget := int(math.Ceil(prediction.ExpectedJobs / 10))
		if predictedTarget > target {
			target = predictedTarget
			reason = types.ReasonPrediction
		}
	}

	decision := types.ScalingDecision{
		Timestamp:  time.Now(),
		Pool:       repo,
		FromCount:  current,
		ToCount:    target,
		Reason:     reason,
		Confidence: prediction.Confidence,
	}

	delta := target - current
	if delta == 0 {
		return decision, nil
	}

	maxUp, maxDown, cooldown := c.policyLimits()
	queuePressure := current > 0 && float64(busy)/float64(current) >= 0.95

	if delta > 0 && !queuePressure && !p.LastScaleAt.IsZero() && time.Since(p.LastScaleAt) < cooldown {
		logger.Debug("scale up skipped, in cooldown", "since_last_scale", time.Since(p.LastScaleAt))
		return decision, nil
	}
	if delta > 0 && queuePressure {
		decision.Reason = types.ReasonQueuePressure
	}

	if delta > 0 {
		if delta > maxUp {
			delta = maxUp
		}
		if c.budget != nil {
			if ok, why := c.budget.AllowScaleUp(repo); !ok {
				decision.Applied = false
				decision.Error = why
				decision.Reason = types.ReasonBudget
				c.record(decision)
				if c.bus != nil {
					c.bus.Scaling.Publish(bus.ScalingEvent{Decision: decision})
				}
				logger.Info("scale up refused by budget gate", "reason", why)
				return decision, nil
			}
		}
	} else if -delta > maxDown {
		delta = -maxDown
	}
	decision.ToCount = current + delta

	if err := c.pools.Scale(repo, delta); err != nil {
		decision.Applied = false
		decision.Error = err.Error()
		c.record(decision)
		if c.bus != nil {
			c.bus.Scaling.Publish(bus.ScalingEvent{Decision: decision})
		}
		return decision, fmt.Errorf("autoscaler: evaluate %s: %w", repo, err)
	}

	decision.Applied = true
	c.record(decision)
	if c.bus != nil {
		c.bus.Scaling.Publish(bus.ScalingEvent{Decision: decision})
	}
	logger.Info("scaling decision applied", "from", decision.FromCount, "to", decision.ToCount, "reason", decision.Reason)
	return decision, nil
}

// utilizationTarget implements target = ceil(current * utilization /
// targetUtilization) from the current busy ratio, per §4.5.
func utilizationTarget(current, busy int, targetUtilization float64) int {
	if current == 0 {
		if busy > 0 {
			return busy
		}
		return 0
	}
	if targetUtilization <= 0 {
		targetUtilization = 0.6
	}
	utilization := float64(busy) / float64(current)
	target := math.Ceil(float64(current) * utilization / targetUtilization)
	return int(target)
}
