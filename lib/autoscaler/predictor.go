// Package autoscaler implements C5: demand prediction, the scaling
// controller, pre-warming, cost optimization and scaling analytics, tied
// together by a single per-minute coordinator tick.
package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/types"
)

const (
	seasonalPeriod   = 1440 // minutes in a day
	arimaWindow      = 200
	anomalyWindow    = 100
	anomalySigma     = 3.0
	holtWintersAlpha = 0.3
	holtWintersBeta  = 0.1
	holtWintersGamma = 0.1
)

// repoSeries holds one repository's rolling sample history and
// Holt-Winters state. No example repo in the retrieved pack ships a
// forecasting library, so the smoothing/ARIMA math below is hand-rolled
// against stdlib math, same as the teacher reaches for stdlib when no
// ecosystem package fits (see DESIGN.md).
type repoSeries struct {
	samples []types.DemandSample // bounded to arimaWindow, oldest first

	level    float64
	trend    float64
	seasonal [seasonalPeriod]float64
	seeded   bool
}

// Predictor implements the Demand Predictor sub-module of §4.5.
type Predictor struct {
	mu     sync.Mutex
	series map[string]*repoSeries
	bus    *bus.Bus
}

// NewPredictor builds a Predictor. b may be nil in tests.
func NewPredictor(b *bus.Bus) *Predictor {
	return &Predictor{series: make(map[string]*repoSeries), bus: b}
}

// RecordSample folds one minute's DemandSample into repo's rolling
// history and Holt-Winters state, and checks it for anomaly.
func (p *Predictor) RecordSample(s types.DemandSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rs, ok := p.series[s.Repository]
	if !ok {
		rs = &repoSeries{}
		p.series[s.Repository] = rs
	}

	value := float64(s.QueuedJobs + s.RunningJobs)

	if anomaly, mean, stddev := isAnomaly(rs.samples, value); anomaly && p.bus != nil {
		p.bus.Anomaly.Publish(bus.AnomalyEvent{Repository: s.Repository, At: s.Timestamp, Value: value, Mean: mean, StdDev: stddev})
	}

	rs.samples = append(rs.samples, s)
	if len(rs.samples) > arimaWindow {
		rs.samples = rs.samples[len(rs.samples)-arimaWindow:]
	}

	rs.updateHoltWinters(value)
}

// isAnomaly reports whether value deviates more than anomalySigma standard
// deviations from the trailing anomalyWindow samples' mean.
func isAnomaly(history []types.DemandSample, value float64) (bool, float64, float64) {
	n := len(history)
	if n < 5 {
		return false, 0, 0
	}
	start := 0
	if n > anomalyWindow {
		start = n - anomalyWindow
	}
	window := history[start:]

	mean := 0.0
	for _, s := range window {
		mean += float64(s.QueuedJobs + s.RunningJobs)
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, s := range window {
		d := float64(s.QueuedJobs+s.RunningJobs) - mean
		variance += d * d
	}
	variance /= float64(len(window))
	stddev := math.Sqrt(variance)

	if stddev == 0 {
		return false, mean, stddev
	}
	return math.Abs(value-mean) > anomalySigma*stddev, mean, stddev
}

// updateHoltWinters applies the standard additive Holt-Winters update
// rules with daily seasonality (period 1440 minutes).
func (rs *repoSeries) updateHoltWinters(value float64) {
	idx := len(rs.samples) % seasonalPeriod

	if !rs.seeded {
		rs.level = value
		rs.trend = 0
		rs.seasonal[idx] = 0
		rs.seeded = true
		return
	}

	lastLevel := rs.level
	seasonalComponent := rs.seasonal[idx]

	newLevel := holtWintersAlpha*(value-seasonalComponent) + (1-holtWintersAlpha)*(rs.level+rs.trend)
	newTrend := holtWintersBeta*(newLevel-lastLevel) + (1-holtWintersBeta)*rs.trend
	newSeasonal := holtWintersGamma*(value-newLevel) + (1-holtWintersGamma)*seasonalComponent

	rs.level = newLevel
	rs.trend = newTrend
	rs.seasonal[idx] = newSeasonal
}

// forecastHoltWinters projects steps minutes ahead from the current state.
func (rs *repoSeries) forecastHoltWinters(steps int) float64 {
	idx := (len(rs.samples) + steps) % seasonalPeriod
	projected := rs.level + float64(steps)*rs.trend + rs.seasonal[idx]
	if projected < 0 {
		return 0
	}
	return projected
}

// forecastARIMA is the moving-average fallback spec.md §4.5 explicitly
// allows in place of a full ARIMA(2,1,2) fit: the mean of first-differences
// over the trailing window, projected forward from the last observed
// value.
func forecastARIMA(samples []types.DemandSample, steps int) float64 {
	if len(samples) < 2 {
		if len(samples) == 1 {
			return float64(samples[0].QueuedJobs + samples[0].RunningJobs)
		}
		return 0
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s.QueuedJobs + s.RunningJobs)
	}

	var diffSum float64
	for i := 1; i < len(values); i++ {
		diffSum += values[i] - values[i-1]
	}
	avgDiff := diffSum / float64(len(values)-1)

	projected := values[len(values)-1] + avgDiff*float64(steps)
	if projected < 0 {
		return 0
	}
	return projected
}

// patternAdjustment averages same-time-of-day samples across the trailing
// history, used as the hybrid blend's third term.
func patternAdjustment(samples []types.DemandSample, at time.Time) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, s := range samples {
		if s.Timestamp.Hour() == at.Hour() {
			sum += float64(s.QueuedJobs + s.RunningJobs)
			n++
		}
	}
	if n == 0 {
		return forecastARIMA(samples, 0)
	}
	return sum / float64(n)
}

// Predict produces the three §4.5 forecast horizons for repo. Returns nil
// if nothing has been recorded yet, letting the Scaling Controller degrade
// to utilization-only mode.
func (p *Predictor) Predict(repo string, mape MAPEByHorizon) []types.Prediction {
	p.mu.Lock()
	rs, ok := p.series[repo]
	var samples []types.DemandSample
	var level, trend float64
	var seasonal [seasonalPeriod]float64
	if ok {
		samples = append([]types.DemandSample(nil), rs.samples...)
		level, trend, seasonal = rs.level, rs.trend, rs.seasonal
	}
	p.mu.Unlock()

	if !ok || len(samples) == 0 {
		return nil
	}

	now := samples[len(samples)-1].Timestamp
	horizons := []types.Horizon{types.HorizonShort, types.HorizonMedium, types.HorizonLong}

	preds := make([]types.Prediction, 0, len(horizons))
	for _, h := range horizons {
		steps := int(types.HorizonDuration(h).Minutes())

		hw := (&repoSeries{level: level, trend: trend, seasonal: seasonal, samples: samples}).forecastHoltWinters(steps)
		arima := forecastARIMA(samples, steps)
		pattern := patternAdjustment(samples, now.Add(types.HorizonDuration(h)))

		blended := 0.4*hw + 0.4*arima + 0.2*pattern

		mean, stddev := sampleMeanStdDev(samples)
		lower := math.Max(0, mean-2*stddev)
		upper := mean + 2*stddev

		preds = append(preds, types.Prediction{
			IssuedAt:     now,
			Repository:   repo,
			Horizon:      h,
			ExpectedJobs: blended,
			LowerBound:   lower,
			UpperBound:   upper,
			Confidence:   mape.ConfidenceFor(h),
		})
	}
	return preds
}

func sampleMeanStdDev(samples []types.DemandSample) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	for _, s := range samples {
		mean += float64(s.QueuedJobs + s.RunningJobs)
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s.QueuedJobs+s.RunningJobs) - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}
