package bus

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/types"
)

// DeliveryEvent is published by C1 whenever a Delivery's processing_state
// changes, consumed by the dashboard/WebSocket fan-out (an external
// collaborator outside this core).
type DeliveryEvent struct {
	DeliveryID string
	State      types.DeliveryState
	At         time.Time
}

// JobStateEvent is published whenever a Job transitions state, by C1 (on
// webhook-driven transitions) and C2 (on dispatch/ack/nack).
type JobStateEvent struct {
	JobID string
	From  types.JobState
	To    types.JobState
	At    time.Time
}

// RunnerStateEvent is published by C4 whenever a Runner transitions state.
type RunnerStateEvent struct {
	RunnerID string
	Pool     string
	From     types.RunnerState
	To       types.RunnerState
	At       time.Time
}

// ScalingEvent is published by C3/C5 whenever a scaling decision is made,
// applied or refused.
type ScalingEvent struct {
	Decision types.ScalingDecision
}

// LeadershipEvent is published by C6 whenever this node's leadership
// changes; C3's scaler, C5's coordinator and C4's cleanup scheduler
// subscribe to start/stop their leader-gated loops.
type LeadershipEvent struct {
	IsLeader bool
	Term     int64
	At       time.Time
}

// CapacityRequestEvent is published by C2's dispatcher when it cannot find
// an idle runner for a job, consumed by C3.requestCapacity.
type CapacityRequestEvent struct {
	Repository string
	JobID      string
	Labels     []string
	At         time.Time
}

// AnomalyEvent is published by C5's Demand Predictor when a sample
// deviates sharply (>3 sigma) from recent history.
type AnomalyEvent struct {
	Repository string
	At         time.Time
	Value      float64
	Mean       float64
	StdDev     float64
}

// BudgetEvent is published by C5's Cost Optimizer when projected spend
// crosses the warning or critical threshold.
type BudgetEvent struct {
	Status      types.BudgetStatus
	DailySpend  float64
	DailyBudget float64
	At          time.Time
}

// Bus aggregates every named channel components communicate over, built
// once at the composition root and passed by reference to every component
// that needs to publish or subscribe.
type Bus struct {
	Delivery        *Topic[DeliveryEvent]
	JobState        *Topic[JobStateEvent]
	RunnerState     *Topic[RunnerStateEvent]
	Scaling         *Topic[ScalingEvent]
	Leadership      *Topic[LeadershipEvent]
	CapacityRequest *Topic[CapacityRequestEvent]
	Anomaly         *Topic[AnomalyEvent]
	Budget          *Topic[BudgetEvent]
}

// New constructs a Bus with every topic initialized.
func New() *Bus {
	return &Bus{
		Delivery:        NewTopic[DeliveryEvent](),
		JobState:        NewTopic[JobStateEvent](),
		RunnerState:     NewTopic[RunnerStateEvent](),
		Scaling:         NewTopic[ScalingEvent](),
		Leadership:      NewTopic[LeadershipEvent](),
		CapacityRequest: NewTopic[CapacityRequestEvent](),
		Anomaly:         NewTopic[AnomalyEvent](),
		Budget:          NewTopic[BudgetEvent](),
	}
}
