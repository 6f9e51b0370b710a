package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

// retentionWindow is how long raw metric buckets and prediction_log entries
// are kept before GCed by PruneLoop. §4.5 calls for 30 days.
const retentionWindow = 30 * 24 * time.Hour

// predictionRecord is one prediction_log entry: a Prediction as issued,
// plus the realized job count observed once its horizon elapsed. Realized
// is nil until ObserveActual fills it in.
type predictionRecord struct {
	types.Prediction
	Realized *float64 `json:"realized,omitempty"`
}

// bucket aggregates DemandSamples for one repository over a fixed window
// (minute, hour or day), the granularities §4.5 asks analytics to roll up
// to.
type bucket struct {
	Start       time.Time `json:"start"`
	Repository  string    `json:"repository"`
	SampleCount int       `json:"sample_count"`
	SumJobs     float64   `json:"sum_jobs"`
	MaxJobs     float64   `json:"max_jobs"`
}

// Analytics implements the Scaling Analytics sub-module of §4.5: it folds
// every DemandSample into in-memory minute/hour/day buckets (not written
// to the store), keeps the durable
// prediction_log used to score forecast accuracy, and turns that history
// into a rolling mean-absolute-percentage-error per horizon - the
// confidence input the Demand Predictor and Scaling Controller consume.
// No simulated placeholder is ever returned; ConfidenceFor reports 0 until
// enough realized predictions exist to compute a real MAPE.
type Analytics struct {
	st *store.Store

	mu     sync.Mutex
	minute map[string][]*bucket
	hour   map[string][]*bucket
	day    map[string][]*bucket
}

// NewAnalytics builds an Analytics backed by st's "prediction_log"
// collection for durable accuracy tracking.
func NewAnalytics(st *store.Store) *Analytics {
	return &Analytics{
		st:     st,
		minute: make(map[string][]*bucket),
		hour:   make(map[string][]*bucket),
		day:    make(map[string][]*bucket),
	}
}

func (a *Analytics) predictionLog() *store.Collection { return a.st.Collection("prediction_log") }

// Collect folds one DemandSample into the minute/hour/day rollups for its
// repository. Called once per Coordinator tick, i.e. once a minute.
func (a *Analytics) Collect(s types.DemandSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	value := float64(s.QueuedJobs + s.RunningJobs)
	a.fold(a.minute, s.Repository, s.Timestamp.Truncate(time.Minute), value)
	a.fold(a.hour, s.Repository, s.Timestamp.Truncate(time.Hour), value)
	a.fold(a.day, s.Repository, s.Timestamp.Truncate(24*time.Hour), value)
}

func (a *Analytics) fold(series map[string][]*bucket, repo string, start time.Time, value float64) {
	buckets := series[repo]
	if n := len(buckets); n > 0 && buckets[n-1].Start.Equal(start) {
		b := buckets[n-1]
		b.SampleCount++
		b.SumJobs += value
		if value > b.MaxJobs {
			b.MaxJobs = value
		}
		return
	}
	series[repo] = append(buckets, &bucket{Start: start, Repository: repo, SampleCount: 1, SumJobs: value, MaxJobs: value})
}

// RecordPrediction appends every Prediction Predict just issued to the
// durable prediction_log, so its accuracy can be scored once its horizon
// elapses.
func (a *Analytics) RecordPrediction(preds []types.Prediction) error {
	for _, p := range preds {
		rec := predictionRecord{Prediction: p}
		if err := a.predictionLog().Add(uuid.NewString(), rec); err != nil {
			return err
		}
	}
	return nil
}

// ObserveActual scores every still-unrealized prediction_log entry for
// repo whose horizon has elapsed as of now, against the actual job count
// observed. Intended to run alongside Collect on the same tick.
func (a *Analytics) ObserveActual(repo string, now time.Time, actualJobs int) error {
	var ids []string
	if err := a.predictionLog().Scan(func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}

	actual := float64(actualJobs)
	for _, id := range ids {
		var rec predictionRecord
		mutateErr := a.predictionLog().Mutate(id, &rec, func(exists bool) error {
			if !exists || rec.Realized != nil || rec.Repository != repo {
				return store.ErrMutateAbort
			}
			due := rec.IssuedAt.Add(types.HorizonDuration(rec.Horizon))
			if now.Before(due) {
				return store.ErrMutateAbort
			}
			rec.Realized = &actual
			return nil
		})
		if mutateErr != nil {
			return mutateErr
		}
	}
	return nil
}

// MAPEByHorizon is the rolling mean-absolute-percentage-error computed
// from realized prediction_log entries, keyed by forecast horizon, and the
// confidence value derived from it.
type MAPEByHorizon struct {
	values map[types.Horizon]float64
}

// ConfidenceFor converts h's MAPE into a [0,1] confidence score: a MAPE of
// 0 is full confidence, a MAPE at or above 100% is zero confidence. Returns
// 0 when no realized predictions exist yet for h - there is no placeholder
// confidence value, only an honestly low one until real history
// accumulates.
func (m MAPEByHorizon) ConfidenceFor(h types.Horizon) float64 {
	if m.values == nil {
		return 0
	}
	mape, ok := m.values[h]
	if !ok {
		return 0
	}
	confidence := 1 - mape
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// ComputeMAPE scans the prediction_log for realized entries and returns the
// mean absolute percentage error per horizon, the feedback loop §4.5
// describes from "rolling prediction accuracy" back into forecast
// confidence.
func (a *Analytics) ComputeMAPE() (MAPEByHorizon, error) {
	sums := make(map[types.Horizon]float64)
	counts := make(map[types.Horizon]int)

	var ids []string
	if err := a.predictionLog().Scan(func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return MAPEByHorizon{}, err
	}

	for _, id := range ids {
		var rec predictionRecord
		if err := a.predictionLog().Get(id, &rec); err != nil {
			continue
		}
		if rec.Realized == nil || *rec.Realized == 0 {
			continue
		}
		pctErr := math.Abs(*rec.Realized-rec.ExpectedJobs) / *rec.Realized
		sums[rec.Horizon] += pctErr
		counts[rec.Horizon]++
	}

	values := make(map[types.Horizon]float64, len(sums))
	for h, sum := range sums {
		values[h] = sum / float64(counts[h])
	}
	return MAPEByHorizon{values: values}, nil
}

// Prune discards buckets and prediction_log entries older than
// retentionWindow, keeping analytics storage bounded.
func (a *Analytics) Prune(now time.Time) error {
	cutoff := now.Add(-retentionWindow)

	a.mu.Lock()
	for _, series := range []map[string][]*bucket{a.minute, a.hour, a.day} {
		for repo, buckets := range series {
			kept := buckets[:0]
			for _, b := range buckets {
				if b.Start.After(cutoff) {
					kept = append(kept, b)
				}
			}
			series[repo] = kept
		}
	}
	a.mu.Unlock()

	var stale []string
	var ids []string
	if err := a.predictionLog().Scan(func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		var rec predictionRecord
		if err := a.predictionLog().Get(id, &rec); err != nil {
			continue
		}
		if rec.IssuedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if err := a.predictionLog().Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// PruneLoop runs Prune once a day until done is closed.
func (a *Analytics) PruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case t := <-ticker.C:
			_ = a.Prune(t)
		}
	}
}
