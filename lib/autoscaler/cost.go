package autoscaler

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/types"
)

// hourlyRate is the static cost-rate table keyed by runner type and
// lifecycle, in dollars per hour. Spot rates undercut on-demand the way
// real cloud spot markets do; pre-warmed runners bill at the on-demand
// rate for their type since they hold real reserved capacity.
var hourlyRate = map[types.RunnerType]map[types.RunnerLifecycle]float64{
	types.RunnerSmall: {
		types.LifecycleOnDemand:  0.05,
		types.LifecycleSpot:      0.02,
		types.LifecyclePrewarmed: 0.05,
	},
	types.RunnerMedium: {
		types.LifecycleOnDemand:  0.10,
		types.LifecycleSpot:      0.04,
		types.LifecyclePrewarmed: 0.10,
	},
	types.RunnerLarge: {
		types.LifecycleOnDemand:  0.40,
		types.LifecycleSpot:      0.16,
		types.LifecyclePrewarmed: 0.40,
	},
}

func rateFor(r types.Runner) float64 {
	byLifecycle, ok := hourlyRate[r.Type]
	if !ok {
		byLifecycle = hourlyRate[types.RunnerMedium]
	}
	rate, ok := byLifecycle[r.Lifecycle]
	if !ok {
		rate = byLifecycle[types.LifecycleOnDemand]
	}
	return rate
}

// RunnerSource is the slice of C3 the cost optimizer needs to build a
// spend projection: every repository with a pool, and every runner
// belonging to one.
type RunnerSource interface {
	Repositories() ([]string, error)
	ListRunners(repo string) ([]types.Runner, error)
}

// Optimizer implements the Cost Optimizer sub-module of §4.5: a static
// cost-rate table projected into monthly spend, right-sizing/spot/idle
// recommendations, and budget enforcement against the configured daily
// cap. Satisfies autoscaler.BudgetGate for the Scaling Controller.
type Optimizer struct {
	pools RunnerSource
	bus   *bus.Bus
	cfg   *config.Config
}

// NewOptimizer builds an Optimizer.
func NewOptimizer(pools RunnerSource, b *bus.Bus, cfg *config.Config) *Optimizer {
	return &Optimizer{pools: pools, bus: b, cfg: cfg}
}

// ProjectedMonthlySpend sums every live runner's hourly rate across every
// pool and projects it across a 730-hour month.
func (o *Optimizer) ProjectedMonthlySpend() (float64, error) {
	repos, err := o.pools.Repositories()
	if err != nil {
		return 0, err
	}
	var hourly float64
	for _, repo := range repos {
		runners, err := o.pools.ListRunners(repo)
		if err != nil {
			return 0, err
		}
		for _, r := range runners {
			if r.State == types.RunnerTerminated {
				continue
			}
			hourly += rateFor(r)
		}
	}
	return hourly * 730, nil
}

// dailySpend is ProjectedMonthlySpend divided back down to a daily figure,
// used against BUDGET_DAILY.
func (o *Optimizer) dailySpend() (float64, error) {
	monthly, err := o.ProjectedMonthlySpend()
	if err != nil {
		return 0, err
	}
	return monthly / 30, nil
}

// AllowScaleUp implements BudgetGate: scale-up is refused once daily spend
// is projected to reach the critical threshold.
func (o *Optimizer) AllowScaleUp(repo string) (bool, string) {
	if o.cfg.BudgetDaily <= 0 {
		return true, ""
	}
	spend, err := o.dailySpend()
	if err != nil {
		return true, "" // fail open: a budget-check error should never itself block scaling
	}
	ratio := spend / o.cfg.BudgetDaily
	if ratio >= o.criticalThreshold() {
		return false, "daily spend projection at or above critical budget threshold"
	}
	return true, ""
}

func (o *Optimizer) warningThreshold() float64 {
	if o.cfg.WarningThreshold > 0 {
		return o.cfg.WarningThreshold
	}
	return 0.8
}

func (o *Optimizer) criticalThreshold() float64 {
	if o.cfg.CriticalThreshold > 0 {
		return o.cfg.CriticalThreshold
	}
	return 0.95
}

// CheckBudget computes the current BudgetStatus and publishes a
// bus.BudgetEvent whenever it crosses the warning or critical threshold.
func (o *Optimizer) CheckBudget() (types.BudgetStatus, error) {
	if o.cfg.BudgetDaily <= 0 {
		return types.BudgetOK, nil
	}
	spend, err := o.dailySpend()
	if err != nil {
		return types.BudgetOK, err
	}
	ratio := spend / o.cfg.BudgetDaily

	status := types.BudgetOK
	switch {
	case ratio >= o.criticalThreshold():
		status = types.BudgetCritical
	case ratio >= o.warningThreshold():
		status = types.BudgetWarning
	}

	if status != types.BudgetOK && o.bus != nil {
		o.bus.Budget.Publish(bus.BudgetEvent{
			Status:      status,
			DailySpend:  spend,
			DailyBudget: o.cfg.BudgetDaily,
			At:          time.Now(),
		})
	}
	return status, nil
}

// Recommendations scans every runner across every pool and proposes §4.5's
// three cost actions: convert long-lived on-demand runners to spot,
// right-size sustained low-utilization runners, and terminate runners
// idle past the configured timeout with negligible utilization.
func (o *Optimizer) Recommendations() ([]types.CostRecommendation, error) {
	repos, err := o.pools.Repositories()
	if err != nil {
		return nil, err
	}

	var recs []types.CostRecommendation
	now := time.Now()
	for _, repo := range repos {
		runners, err := o.pools.ListRunners(repo)
		if err != nil {
			return nil, err
		}
		for _, r := range runners {
			if r.State == types.RunnerTerminated || r.Persistent {
				continue
			}

			age := now.Sub(r.CreatedAt)
			if r.Lifecycle == types.LifecycleOnDemand && age >= 2*time.Hour {
				recs = append(recs, types.CostRecommendation{
					RunnerID: r.RunnerID,
					Kind:     types.CostConvertToSpot,
					Reason:   "on-demand runner has been running for 2+ hours, spot capacity would be cheaper",
				})
			}

			idleSince := r.LastJobAt
			if idleSince.IsZero() {
				idleSince = r.CreatedAt
			}
			idleFor := now.Sub(idleSince)
			if r.State == types.RunnerIdle && idleFor >= o.cfg.IdleTimeout && r.JobsProcessed <= 1 {
				recs = append(recs, types.CostRecommendation{
					RunnerID: r.RunnerID,
					Kind:     types.CostRightSize,
					Reason:   "sustained low utilization, a smaller runner type would serve the same load",
				})
			}

			if r.State == types.RunnerIdle && idleFor >= o.cfg.IdleTimeout {
				recs = append(recs, types.CostRecommendation{
					RunnerID: r.RunnerID,
					Kind:     types.CostTerminateIdle,
					Reason:   "idle past the configured timeout with negligible utilization",
				})
			}
		}
	}
	return recs, nil
}
