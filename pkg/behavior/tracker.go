// Package behavior maintains per-user behavioural baselines with
// exponentially decayed mean/variance and turns each observation into a
// bounded similarity signal.
package behavior

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	defaultDecay  = 0.9
	varianceFloor = 1e-6
)

// Baseline is one decayed mean/variance row per (user, feature).
type Baseline struct {
	UserID    string
	Feature   string
	Mean      float64
	Variance  float64
	Decay     float64
	UpdatedAt time.Time
}

// Store persists baselines. Get returns (nil, nil) when no baseline
// exists yet for the (user, feature) pair.
type Store interface {
	Get(ctx context.Context, userID, feature string) (*Baseline, error)
	Save(ctx context.Context, b *Baseline) error
}

// trackedFeature names a behavioural signal and the variance a fresh
// baseline starts from before real observations narrow it down.
type trackedFeature struct {
	name       string
	defaultVar float64
	value      func(s Sample) float64
}

var trackedFeatures = []trackedFeature{
	{"avg_key_interval_ms", 250.0, func(s Sample) float64 { return s.AvgKeyIntervalMs }},
	{"key_interval_std_ms", 80.0, func(s Sample) float64 { return s.KeyIntervalStdMs }},
	{"scroll_events_per_sec", 1.0, func(s Sample) float64 { return s.ScrollEventsPerSec }},
	{"pointer_avg_velocity", 0.3, func(s Sample) float64 { return s.PointerAvgVelocity }},
	{"pointer_max_velocity", 1.0, func(s Sample) float64 { return s.PointerMaxVelocity }},
	{"mouse_distance", 800.0, func(s Sample) float64 { return s.MouseDistance }},
}

// Sample carries the behavioural measurements of one request. Missing
// measurements arrive as zero.
type Sample struct {
	AvgKeyIntervalMs   float64
	KeyIntervalStdMs   float64
	ScrollEventsPerSec float64
	PointerAvgVelocity float64
	PointerMaxVelocity float64
	MouseDistance      float64
}

// Result is the aggregate similarity in [0,1] (1.0 = matches the
// historical baseline) plus the per-feature z-scores for drift and
// explanation use downstream.
type Result struct {
	Similarity float64
	ZScores    map[string]float64
}

// Tracker updates baselines and computes similarity. Each call saves
// every tracked baseline at most once.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Update blends the sample into the user's baselines and returns the
// aggregate similarity. A store failure degrades the affected feature
// to neutral 0.5 and is reported in the returned error; the result
// remains usable either way. An unknown user returns neutral outright.
func (t *Tracker) Update(ctx context.Context, userID string, sample *Sample) (Result, error) {
	if userID == "" || sample == nil {
		return Result{Similarity: 0.5, ZScores: map[string]float64{}}, nil
	}

	var firstErr error
	sum := 0.0
	zScores := make(map[string]float64, len(trackedFeatures))

	for _, tf := range trackedFeatures {
		sim, z, err := t.updateFeature(ctx, userID, tf, tf.value(*sample))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		sum += sim
		zScores[tf.name] = z
	}

	avg := sum / float64(len(trackedFeatures))
	if avg < 0 {
		avg = 0
	}
	if avg > 1 {
		avg = 1
	}
	return Result{Similarity: avg, ZScores: zScores}, firstErr
}

func (t *Tracker) updateFeature(ctx context.Context, userID string, tf trackedFeature, v float64) (sim, z float64, err error) {
	b, err := t.store.Get(ctx, userID, tf.name)
	if err != nil {
		return 0.5, 0, fmt.Errorf("get baseline %s/%s: %w", userID, tf.name, err)
	}
	if b == nil {
		b = &Baseline{
			UserID:   userID,
			Feature:  tf.name,
			Mean:     v,
			Variance: tf.defaultVar,
			Decay:    defaultDecay,
		}
	}

	decay := b.Decay
	meanNew := decay*b.Mean + (1-decay)*v
	varNew := decay*b.Variance + (1-decay)*(v-meanNew)*(v-meanNew)
	if varNew <= varianceFloor {
		varNew = varianceFloor
	}
	b.Mean = meanNew
	b.Variance = varNew
	b.UpdatedAt = time.Now().UTC()

	if err := t.store.Save(ctx, b); err != nil {
		return 0.5, 0, fmt.Errorf("save baseline %s/%s: %w", userID, tf.name, err)
	}

	std := math.Sqrt(b.Variance)
	if std <= 0 {
		return 1.0, 0, nil
	}
	z = (v - b.Mean) / std
	return math.Exp(-0.5 * z * z), z, nil
}
