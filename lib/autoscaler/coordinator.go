package autoscaler

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/types"
)

// QueueSource is the slice of C2 the coordinator needs to fold queue
// pressure into each DemandSample.
type QueueSource interface {
	QueueDepth(repo string) (int, error)
}

// Coordinator ties the Demand Predictor, Scaling Analytics, Scaling
// Controller, Pre-warmer and Cost Optimizer together on a single
// per-minute tick, per §4.5. Each sub-module's failure is isolated: a
// predictor or analytics error for one repository degrades that
// repository to utilization-only scaling rather than aborting the tick.
type Coordinator struct {
	pools      PoolScaler
	queue      QueueSource
	predictor  *Predictor
	analytics  *Analytics
	controller *Controller
	prewarmer  *Prewarmer
	optimizer  *Optimizer
}

// NewCoordinator builds a Coordinator. prewarmer and optimizer may be nil
// to run without pre-warming or cost optimization.
func NewCoordinator(pools PoolScaler, queue QueueSource, predictor *Predictor, analytics *Analytics, controller *Controller, prewarmer *Prewarmer, optimizer *Optimizer) *Coordinator {
	return &Coordinator{
		pools:      pools,
		queue:      queue,
		predictor:  predictor,
		analytics:  analytics,
		controller: controller,
		prewarmer:  prewarmer,
		optimizer:  optimizer,
	}
}

// Tick runs one full coordination pass over every known repository.
func (c *Coordinator) Tick() {
	logger := log.WithFunc("autoscaler", "Tick")
	now := time.Now()

	repos, err := c.pools.Repositories()
	if err != nil {
		logger.Error("failed to list repositories", "err", err)
		return
	}

	for _, repo := range repos {
		c.tickRepo(repo, now)
	}

	if c.optimizer != nil {
		if _, err := c.optimizer.CheckBudget(); err != nil {
			logger.Error("budget check failed", "err", err)
		}
	}
}

func (c *Coordinator) tickRepo(repo string, now time.Time) {
	logger := log.WithFunc("autoscaler", "tickRepo").With("repository", repo)

	current, busy, err := c.pools.PoolStats(repo)
	if err != nil {
		logger.Error("failed to read pool stats", "err", err)
		return
	}

	queued, err := c.queue.QueueDepth(repo)
	if err != nil {
		logger.Error("failed to read queue depth, treating as zero", "err", err)
		queued = 0
	}

	utilization := 0.0
	if current > 0 {
		utilization = float64(busy) / float64(current)
	}
	sample := types.DemandSample{
		Repository:  repo,
		Timestamp:   now,
		QueuedJobs:  queued,
		RunningJobs: busy,
		Utilization: utilization,
	}

	var shortTerm types.Prediction
	if c.predictor != nil {
		c.predictor.RecordSample(sample)

		if c.analytics != nil {
			c.analytics.Collect(sample)
			if err := c.analytics.ObserveActual(repo, now, queued+busy); err != nil {
				logger.Error("failed to score realized predictions", "err", err)
			}
		}

		mape := c.currentMAPE(logger)
		preds := c.predictor.Predict(repo, mape)
		for _, p := range preds {
			if p.Horizon == types.HorizonShort {
				shortTerm = p
			}
		}
		if len(preds) > 0 && c.analytics != nil {
			if err := c.analytics.RecordPrediction(preds); err != nil {
				logger.Error("failed to record prediction", "err", err)
			}
		}
	}

	if c.controller != nil {
		if _, err := c.controller.Evaluate(repo, shortTerm); err != nil {
			logger.Error("scaling evaluation failed", "err", err)
		}
	}

	if c.prewarmer != nil {
		target := AdaptiveTarget(shortTerm.ExpectedJobs)
		if err := c.prewarmer.ReconcileAll(repo, target); err != nil {
			logger.Error("pre-warm reconciliation failed", "err", err)
		}
	}
}

// currentMAPE computes the live rolling MAPE, degrading to a zero-value
// MAPEByHorizon (confidence 0 at every horizon) if analytics isn't wired
// up or the computation fails.
func (c *Coordinator) currentMAPE(logger *log.Logger) MAPEByHorizon {
	if c.analytics == nil {
		return MAPEByHorizon{}
	}
	mape, err := c.analytics.ComputeMAPE()
	if err != nil {
		logger.Error("failed to compute prediction accuracy, confidence degraded to 0", "err", err)
		return MAPEByHorizon{}
	}
	return mape
}

// Run ticks once a minute until done is closed, per §4.5.
func (c *Coordinator) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
