package autoscaler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() returned error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() *config.Config {
	return &config.Config{
		TargetUtilization:   0.6,
		ConfidenceThreshold: 0.8,
		MaxScaleUp:          10,
		MaxScaleDown:        5,
		Cooldown:            5 * time.Minute,
		ScalingPolicy:       config.PolicyBalanced,
		IdleTimeout:         5 * time.Minute,
		PrewarmMaxAge:       time.Hour,
	}
}

// --- Predictor ---

func TestPredictorReturnsNilWithoutSamples(t *testing.T) {
	p := NewPredictor(nil)
	if preds := p.Predict("acme/widgets", MAPEByHorizon{}); preds != nil {
		t.Errorf("Predict() with no samples = %v; want nil", preds)
	}
}

func TestPredictorProducesThreeHorizons(t *testing.T) {
	p := NewPredictor(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		p.RecordSample(types.DemandSample{
			Repository:  "acme/widgets",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			QueuedJobs:  2,
			RunningJobs: 3,
		})
	}

	preds := p.Predict("acme/widgets", MAPEByHorizon{})
	if len(preds) != 3 {
		t.Fatalf("Predict() returned %d predictions; want 3", len(preds))
	}
	seen := map[types.Horizon]bool{}
	for _, pr := range preds {
		seen[pr.Horizon] = true
		if pr.ExpectedJobs < 0 {
			t.Errorf("horizon %s: ExpectedJobs = %v; want >= 0", pr.Horizon, pr.ExpectedJobs)
		}
		if pr.LowerBound > pr.UpperBound {
			t.Errorf("horizon %s: LowerBound %v > UpperBound %v", pr.Horizon, pr.LowerBound, pr.UpperBound)
		}
	}
	for _, h := range []types.Horizon{types.HorizonShort, types.HorizonMedium, types.HorizonLong} {
		if !seen[h] {
			t.Errorf("Predict() missing horizon %s", h)
		}
	}
}

func TestPredictorPublishesAnomaly(t *testing.T) {
	b := bus.New()
	anomalies := b.Anomaly.Subscribe(4)
	p := NewPredictor(b)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		jitter := i % 2 // small natural variance so the trailing window has nonzero stddev
		p.RecordSample(types.DemandSample{Repository: "acme/widgets", Timestamp: base.Add(time.Duration(i) * time.Minute), QueuedJobs: 1, RunningJobs: 1 + jitter})
	}
	// a wild spike should trip the 3-sigma detector
	p.RecordSample(types.DemandSample{Repository: "acme/widgets", Timestamp: base.Add(21 * time.Minute), QueuedJobs: 500, RunningJobs: 500})

	select {
	case ev := <-anomalies:
		if ev.Repository != "acme/widgets" {
			t.Errorf("AnomalyEvent.Repository = %q; want acme/widgets", ev.Repository)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an AnomalyEvent to be published")
	}
}

// --- Analytics ---

func TestAnalyticsComputeMAPEWithNoHistoryIsZero(t *testing.T) {
	a := NewAnalytics(newTestStore(t))
	mape, err := a.ComputeMAPE()
	if err != nil {
		t.Fatalf("ComputeMAPE() returned error: %v", err)
	}
	if c := mape.ConfidenceFor(types.HorizonShort); c != 0 {
		t.Errorf("ConfidenceFor() with no history = %v; want 0", c)
	}
}

func TestAnalyticsRecordObserveAndComputeMAPE(t *testing.T) {
	a := NewAnalytics(newTestStore(t))
	now := time.Now()

	pred := types.Prediction{
		IssuedAt:     now.Add(-20 * time.Minute),
		Repository:   "acme/widgets",
		Horizon:      types.HorizonShort,
		ExpectedJobs: 10,
	}
	if err := a.RecordPrediction([]types.Prediction{pred}); err != nil {
		t.Fatalf("RecordPrediction() returned error: %v", err)
	}

	// horizon (15m) has elapsed since IssuedAt, so ObserveActual should score it
	if err := a.ObserveActual("acme/widgets", now, 12); err != nil {
		t.Fatalf("ObserveActual() returned error: %v", err)
	}

	mape, err := a.ComputeMAPE()
	if err != nil {
		t.Fatalf("ComputeMAPE() returned error: %v", err)
	}
	// |12-10|/12 ~= 0.1667 -> confidence ~= 0.833
	got := mape.ConfidenceFor(types.HorizonShort)
	if got <= 0 || got >= 1 {
		t.Errorf("ConfidenceFor(short) = %v; want a value in (0,1)", got)
	}
	if c := mape.ConfidenceFor(types.HorizonMedium); c != 0 {
		t.Errorf("ConfidenceFor(medium) with no realized entries = %v; want 0", c)
	}
}

func TestAnalyticsObserveActualSkipsUnelapsedHorizon(t *testing.T) {
	a := NewAnalytics(newTestStore(t))
	now := time.Now()

	pred := types.Prediction{
		IssuedAt:     now,
		Repository:   "acme/widgets",
		Horizon:      types.HorizonLong, // 4h out, nowhere near elapsed
		ExpectedJobs: 10,
	}
	if err := a.RecordPrediction([]types.Prediction{pred}); err != nil {
		t.Fatalf("RecordPrediction() returned error: %v", err)
	}
	if err := a.ObserveActual("acme/widgets", now, 999); err != nil {
		t.Fatalf("ObserveActual() returned error: %v", err)
	}

	mape, err := a.ComputeMAPE()
	if err != nil {
		t.Fatalf("ComputeMAPE() returned error: %v", err)
	}
	if c := mape.ConfidenceFor(types.HorizonLong); c != 0 {
		t.Errorf("ConfidenceFor(long) before horizon elapsed = %v; want 0 (unrealized)", c)
	}
}

// --- Controller ---

type stubPoolScaler struct {
	pool       types.RunnerPool
	current    int
	busy       int
	repos      []string
	scaleCalls []int
	scaleErr   error
}

func (s *stubPoolScaler) GetOrCreatePool(repo string) (types.RunnerPool, error) { return s.pool, nil }
func (s *stubPoolScaler) PoolStats(repo string) (int, int, error)               { return s.current, s.busy, nil }
func (s *stubPoolScaler) Repositories() ([]string, error)                       { return s.repos, nil }
func (s *stubPoolScaler) Scale(repo string, delta int) error {
	s.scaleCalls = append(s.scaleCalls, delta)
	if s.scaleErr != nil {
		return s.scaleErr
	}
	s.current += delta
	return nil
}

func TestControllerScalesUpOnUtilization(t *testing.T) {
	pools := &stubPoolScaler{current: 5, busy: 5, pool: types.RunnerPool{}} // 100% utilization
	c := NewController(pools, nil, bus.New(), testConfig(), nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if !decision.Applied {
		t.Fatalf("decision.Applied = false; want true, decision=%+v", decision)
	}
	if decision.ToCount <= decision.FromCount {
		t.Errorf("ToCount %d <= FromCount %d; want a scale up", decision.ToCount, decision.FromCount)
	}
	if len(pools.scaleCalls) != 1 || pools.scaleCalls[0] <= 0 {
		t.Errorf("Scale() calls = %v; want one positive delta", pools.scaleCalls)
	}
}

func TestControllerAppendsScalingLog(t *testing.T) {
	st := newTestStore(t)
	pools := &stubPoolScaler{current: 5, busy: 5, pool: types.RunnerPool{}}
	c := NewController(pools, nil, bus.New(), testConfig(), st)

	if _, err := c.Evaluate("acme/widgets", types.Prediction{}); err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}

	var found int
	if err := st.Collection("scaling_log").Scan(func(id string) error {
		found++
		return nil
	}); err != nil {
		t.Fatalf("Scan() returned error: %v", err)
	}
	if found != 1 {
		t.Errorf("scaling_log entries = %d; want 1", found)
	}
}

func TestControllerRespectsCooldown(t *testing.T) {
	pools := &stubPoolScaler{current: 5, busy: 4, pool: types.RunnerPool{LastScaleAt: time.Now()}} // 80% util, below the queue-pressure override threshold
	c := NewController(pools, nil, bus.New(), testConfig(), nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if decision.Applied {
		t.Errorf("decision.Applied = true; want false during cooldown")
	}
	if len(pools.scaleCalls) != 0 {
		t.Errorf("Scale() called %d times during cooldown; want 0", len(pools.scaleCalls))
	}
}

func TestControllerQueuePressureOverridesCooldown(t *testing.T) {
	pools := &stubPoolScaler{current: 5, busy: 5, pool: types.RunnerPool{LastScaleAt: time.Now()}}
	c := NewController(pools, nil, bus.New(), testConfig(), nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if !decision.Applied {
		t.Errorf("decision.Applied = false; want true, queue pressure (busy==current) should override cooldown")
	}
	if decision.Reason != types.ReasonQueuePressure {
		t.Errorf("decision.Reason = %q; want queue_pressure", decision.Reason)
	}
}

func TestControllerHighConfidencePredictionRaisesTarget(t *testing.T) {
	pools := &stubPoolScaler{current: 2, busy: 0, pool: types.RunnerPool{}} // 0% utilization, would scale down
	c := NewController(pools, nil, bus.New(), testConfig(), nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{ExpectedJobs: 100, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if decision.Reason != types.ReasonPrediction {
		t.Errorf("decision.Reason = %q; want prediction", decision.Reason)
	}
	if decision.ToCount < 10 {
		t.Errorf("ToCount = %d; want >= 10 from ceil(100/10)", decision.ToCount)
	}
}

type refusingBudget struct{ reason string }

func (r refusingBudget) AllowScaleUp(repo string) (bool, string) { return false, r.reason }

func TestControllerBudgetGateRefusesScaleUp(t *testing.T) {
	pools := &stubPoolScaler{current: 5, busy: 5, pool: types.RunnerPool{}}
	c := NewController(pools, refusingBudget{reason: "over budget"}, bus.New(), testConfig(), nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if decision.Applied {
		t.Errorf("decision.Applied = true; want false, budget gate refused")
	}
	if decision.Reason != types.ReasonBudget {
		t.Errorf("decision.Reason = %q; want budget", decision.Reason)
	}
}

func TestControllerCapsDeltaToMaxScaleUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxScaleUp = 1
	pools := &stubPoolScaler{current: 1, busy: 1, pool: types.RunnerPool{}}
	c := NewController(pools, nil, bus.New(), cfg, nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{ExpectedJobs: 1000, Confidence: 0.99})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if decision.ToCount-decision.FromCount != 1 {
		t.Errorf("scale-up delta = %d; want capped to MaxScaleUp=1", decision.ToCount-decision.FromCount)
	}
}

func TestControllerAggressivePolicyDoublesMaxScaleUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxScaleUp = 2
	cfg.ScalingPolicy = config.PolicyAggressive
	pools := &stubPoolScaler{current: 1, busy: 1, pool: types.RunnerPool{}}
	c := NewController(pools, nil, bus.New(), cfg, nil)

	decision, err := c.Evaluate("acme/widgets", types.Prediction{ExpectedJobs: 1000, Confidence: 0.99})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %v", err)
	}
	if decision.ToCount-decision.FromCount != 4 {
		t.Errorf("scale-up delta = %d; want 4 (MaxScaleUp doubled to 4)", decision.ToCount-decision.FromCount)
	}
}

// --- Prewarmer ---

type stubContainerProvisioner struct {
	nextID     int
	runners    map[string]*types.Runner
	terminated []string
}

func newStubContainerProvisioner() *stubContainerProvisioner {
	return &stubContainerProvisioner{runners: make(map[string]*types.Runner)}
}

func (s *stubContainerProvisioner) Provision(pool string, runnerType types.RunnerType, labels []string) (*types.Runner, error) {
	s.nextID++
	r := &types.Runner{
		RunnerID:  fmt.Sprintf("runner-%d", s.nextID),
		Pool:      pool,
		Type:      runnerType,
		Labels:    labels,
		State:     types.RunnerIdle,
		CreatedAt: time.Now(),
	}
	s.runners[r.RunnerID] = r
	return r, nil
}

func (s *stubContainerProvisioner) Terminate(runnerID string) error {
	s.terminated = append(s.terminated, runnerID)
	delete(s.runners, runnerID)
	return nil
}

func (s *stubContainerProvisioner) Get(runnerID string) (*types.Runner, error) {
	r, ok := s.runners[runnerID]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func TestPrewarmerWarmAndClaim(t *testing.T) {
	provisioner := newStubContainerProvisioner()
	p := NewPrewarmer(provisioner, newTestStore(t), testConfig())

	tmpl := types.ContainerTemplate{Image: "ubuntu-latest", Labels: []string{"ubuntu-latest"}}
	if err := p.Warm("", tmpl); err != nil {
		t.Fatalf("Warm() returned error: %v", err)
	}

	r, err := p.Provision("acme/widgets", types.RunnerMedium, []string{"ubuntu-latest"})
	if err != nil {
		t.Fatalf("Provision() returned error: %v", err)
	}
	if r.Lifecycle != types.LifecyclePrewarmed {
		t.Errorf("claimed runner Lifecycle = %q; want pre-warmed", r.Lifecycle)
	}
	if r.Pool != "acme/widgets" {
		t.Errorf("claimed runner Pool = %q; want acme/widgets", r.Pool)
	}
	if provisioner.nextID != 1 {
		t.Errorf("a second fresh provision happened; want the pre-warmed container to be reused")
	}
}

func TestPrewarmerProvisionFallsThroughWhenPoolEmpty(t *testing.T) {
	provisioner := newStubContainerProvisioner()
	p := NewPrewarmer(provisioner, newTestStore(t), testConfig())

	r, err := p.Provision("acme/widgets", types.RunnerMedium, nil)
	if err != nil {
		t.Fatalf("Provision() returned error: %v", err)
	}
	if r == nil {
		t.Fatal("Provision() returned nil runner")
	}
	if provisioner.nextID != 1 {
		t.Errorf("expected exactly one fresh provision, got nextID=%d", provisioner.nextID)
	}
}

func TestAdaptiveTargetClamped(t *testing.T) {
	if got := AdaptiveTarget(0); got != prewarmTargetMin {
		t.Errorf("AdaptiveTarget(0) = %d; want min %d", got, prewarmTargetMin)
	}
	if got := AdaptiveTarget(1000); got != prewarmTargetMax {
		t.Errorf("AdaptiveTarget(1000) = %d; want max %d", got, prewarmTargetMax)
	}
	if got := AdaptiveTarget(55); got != 6 {
		t.Errorf("AdaptiveTarget(55) = %d; want ceil(55/10)=6", got)
	}
}

func TestPrewarmerReconcileRecyclesUnhealthy(t *testing.T) {
	provisioner := newStubContainerProvisioner()
	p := NewPrewarmer(provisioner, newTestStore(t), testConfig())

	tmpl := types.ContainerTemplate{Image: "ubuntu-latest", Labels: []string{"ubuntu-latest"}}
	if err := p.Warm("acme/widgets", tmpl); err != nil {
		t.Fatalf("Warm() returned error: %v", err)
	}

	// mark the backing runner unhealthy
	for _, r := range provisioner.runners {
		r.HealthFailures = 3
	}

	if err := p.Reconcile("acme/widgets", tmpl, 1); err != nil {
		t.Fatalf("Reconcile() returned error: %v", err)
	}
	if len(provisioner.terminated) != 1 {
		t.Errorf("terminated = %v; want the unhealthy container recycled", provisioner.terminated)
	}
	if provisioner.nextID != 2 {
		t.Errorf("expected a replacement to be warmed, nextID=%d", provisioner.nextID)
	}
}

// --- Cost Optimizer ---

type stubRunnerSource struct {
	repos   []string
	runners map[string][]types.Runner
}

func (s *stubRunnerSource) Repositories() ([]string, error) { return s.repos, nil }
func (s *stubRunnerSource) ListRunners(repo string) ([]types.Runner, error) {
	return s.runners[repo], nil
}

func TestOptimizerProjectedMonthlySpend(t *testing.T) {
	src := &stubRunnerSource{
		repos: []string{"acme/widgets"},
		runners: map[string][]types.Runner{
			"acme/widgets": {
				{RunnerID: "r1", Type: types.RunnerMedium, Lifecycle: types.LifecycleOnDemand, State: types.RunnerIdle},
			},
		},
	}
	o := NewOptimizer(src, bus.New(), testConfig())
	spend, err := o.ProjectedMonthlySpend()
	if err != nil {
		t.Fatalf("ProjectedMonthlySpend() returned error: %v", err)
	}
	want := 0.10 * 730
	if spend != want {
		t.Errorf("ProjectedMonthlySpend() = %v; want %v", spend, want)
	}
}

func TestOptimizerAllowScaleUpWithoutBudgetConfigured(t *testing.T) {
	o := NewOptimizer(&stubRunnerSource{}, bus.New(), testConfig())
	if ok, _ := o.AllowScaleUp("acme/widgets"); !ok {
		t.Error("AllowScaleUp() = false with BUDGET_DAILY unset; want true (no gating)")
	}
}

func TestOptimizerRefusesScaleUpOverCriticalBudget(t *testing.T) {
	src := &stubRunnerSource{
		repos: []string{"acme/widgets"},
		runners: map[string][]types.Runner{
			"acme/widgets": {
				{RunnerID: "r1", Type: types.RunnerLarge, Lifecycle: types.LifecycleOnDemand, State: types.RunnerIdle},
			},
		},
	}
	cfg := testConfig()
	cfg.BudgetDaily = 0.01 // tiny budget, one large on-demand runner blows well past it
	o := NewOptimizer(src, bus.New(), cfg)

	ok, reason := o.AllowScaleUp("acme/widgets")
	if ok {
		t.Error("AllowScaleUp() = true; want false, spend is far over budget")
	}
	if reason == "" {
		t.Error("AllowScaleUp() returned no reason for refusal")
	}
}

func TestOptimizerRecommendationsTerminateIdle(t *testing.T) {
	src := &stubRunnerSource{
		repos: []string{"acme/widgets"},
		runners: map[string][]types.Runner{
			"acme/widgets": {
				{
					RunnerID:      "r1",
					Type:          types.RunnerMedium,
					Lifecycle:     types.LifecycleOnDemand,
					State:         types.RunnerIdle,
					CreatedAt:     time.Now().Add(-time.Hour),
					LastJobAt:     time.Now().Add(-10 * time.Minute),
					JobsProcessed: 5,
				},
			},
		},
	}
	o := NewOptimizer(src, bus.New(), testConfig())
	recs, err := o.Recommendations()
	if err != nil {
		t.Fatalf("Recommendations() returned error: %v", err)
	}
	var gotTerminate bool
	for _, r := range recs {
		if r.Kind == types.CostTerminateIdle {
			gotTerminate = true
		}
	}
	if !gotTerminate {
		t.Errorf("Recommendations() = %+v; want a terminate_idle recommendation", recs)
	}
}

func TestOptimizerSkipsPersistentRunners(t *testing.T) {
	src := &stubRunnerSource{
		repos: []string{"acme/widgets"},
		runners: map[string][]types.Runner{
			"acme/widgets": {
				{
					RunnerID:   "r1",
					Type:       types.RunnerMedium,
					Lifecycle:  types.LifecycleOnDemand,
					State:      types.RunnerIdle,
					CreatedAt:  time.Now().Add(-3 * time.Hour),
					Persistent: true,
				},
			},
		},
	}
	o := NewOptimizer(src, bus.New(), testConfig())
	recs, err := o.Recommendations()
	if err != nil {
		t.Fatalf("Recommendations() returned error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Recommendations() = %+v; want none, runner is persistent", recs)
	}
}

// --- Coordinator ---

type stubQueueSource struct{ depth int }

func (s stubQueueSource) QueueDepth(repo string) (int, error) { return s.depth, nil }

func TestCoordinatorTickDegradesWithNilSubModules(t *testing.T) {
	pools := &stubPoolScaler{current: 2, busy: 2, pool: types.RunnerPool{}}
	c := NewCoordinator(pools, stubQueueSource{depth: 1}, nil, nil, nil, nil, nil)
	// must not panic with every optional collaborator nil
	c.Tick()
}

func TestCoordinatorTickRunsFullPipeline(t *testing.T) {
	pools := &stubPoolScaler{current: 2, busy: 2, pool: types.RunnerPool{Repository: "acme/widgets"}, repos: []string{"acme/widgets"}}
	st := newTestStore(t)
	predictor := NewPredictor(bus.New())
	analytics := NewAnalytics(st)
	controller := NewController(pools, nil, bus.New(), testConfig(), nil)

	coord := NewCoordinator(pools, stubQueueSource{depth: 3}, predictor, analytics, controller, nil, nil)
	coord.Tick()

	if preds := predictor.Predict("acme/widgets", MAPEByHorizon{}); len(preds) == 0 {
		t.Error("Tick() did not feed a sample into the predictor")
	}
}
