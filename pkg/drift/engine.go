// Package drift compares each decision against a per-user baseline
// signature and quantifies how far the user's device, behaviour, TLS
// family, confidence distribution and model version have moved.
package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	driftWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trustgate", Subsystem: "drift", Name: "warnings_total", Help: "Drift warnings emitted, by tag."},
		[]string{"tag"},
	)
	maxDriftHist = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "trustgate", Subsystem: "drift", Name: "max_score", Help: "Distribution of per-decision max drift.", Buckets: []float64{0.1, 0.2, 0.4, 0.6, 0.85, 1}},
	)
)

func init() {
	_ = prometheus.Register(driftWarningsTotal)
	_ = prometheus.Register(maxDriftHist)
}

// Warning tags. Order-independent set semantics.
const (
	WarnDeviceChanged       = "DEVICE_CHANGED"
	WarnTLSFamilyChanged    = "TLS_FAMILY_CHANGED"
	WarnBehaviorDriftHigh   = "BEHAVIOR_DRIFT_HIGH"
	WarnConfidenceShift     = "CONFIDENCE_SHIFT"
	WarnModelVersionChanged = "MODEL_VERSION_CHANGED"
)

// Enforcement hints derived from max drift.
const (
	EnforceNone   = "NONE"
	EnforceStepUp = "STEP_UP"
	EnforceDeny   = "DENY"
)

// Baseline is the per-user drift state. Empty strings mean "never
// observed". The confidence stat is count-based (Welford), not decayed.
type Baseline struct {
	UserID           string
	UpdatedAt        time.Time
	LastDeviceSig    string
	LastTLSFamily    string
	LastModelVersion string
	ConfCount        int64
	ConfMean         float64
	ConfM2           float64
}

// Store persists baselines and append-only drift events. GetBaseline
// returns (nil, nil) for a user with no baseline yet.
type Store interface {
	GetBaseline(ctx context.Context, userID string) (*Baseline, error)
	UpsertBaseline(ctx context.Context, b *Baseline) error
	InsertEvent(ctx context.Context, userID, requestID string, s Summary) error
}

// DeviceInfo is the minimal device state hashed into the signature.
type DeviceInfo struct {
	UA         string
	Platform   string
	TZOffset   int
	ScreenW    int
	ScreenH    int
	PixelRatio float64
	CanvasHash string
	WebGLHash  string
}

// Input is one completed decision's drift-relevant state. Behavior
// similarity comes from the baseline tracker; the engine never
// re-updates behavioural baselines itself.
type Input struct {
	UserID             string
	RequestID          string
	Device             *DeviceInfo
	TLSFamily          string
	BehaviorSimilarity float64
	BehaviorKnown      bool
	BehaviorEvalError  bool
	Confidence         float64
	ModelVersion       string
}

// Summary holds the five drift components, their max, and the warnings
// they triggered.
type Summary struct {
	DeviceDrift      float64  `json:"device_drift"`
	BehaviorDrift    float64  `json:"behavior_drift"`
	TLSDrift         float64  `json:"tls_drift"`
	FeatureDrift     float64  `json:"feature_drift"`
	ModelInstability float64  `json:"model_instability"`
	MaxDrift         float64  `json:"max_drift"`
	Warnings         []string `json:"warnings"`
	TLSFamily        string   `json:"tls_family,omitempty"`
	DeviceSignature  string   `json:"device_signature,omitempty"`
}

// Adjustment is the confidence penalty and enforcement hint derived
// from a drift summary.
type Adjustment struct {
	AdjustedConfidence float64
	Enforcement        string
	StepUpRecommended  bool
}

// Engine computes drift against stored baselines.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Compute evaluates drift for one decision and updates the user's
// baseline afterwards. A missing or unreadable baseline yields zero
// drift for the comparison components; the returned error is advisory
// (the summary is always usable).
func (e *Engine) Compute(ctx context.Context, in Input) (Summary, error) {
	userID := in.UserID
	if userID == "" {
		userID = "anonymous"
	}
	requestID := in.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("req-%d", time.Now().UnixMilli())
	}

	var firstErr error
	b, err := e.store.GetBaseline(ctx, userID)
	if err != nil {
		b = nil
		firstErr = fmt.Errorf("get drift baseline %s: %w", userID, err)
	}

	stat := NewRunningStat(0, 0, 0)
	if b != nil {
		stat = NewRunningStat(b.ConfCount, b.ConfMean, b.ConfM2)
	}

	deviceSig := DeviceSignature(in.Device)

	deviceDrift := 0.0
	if b != nil && b.LastDeviceSig != "" {
		switch {
		case deviceSig == "":
			deviceDrift = 0.5
		case deviceSig != b.LastDeviceSig:
			deviceDrift = 1.0
		}
	}

	behaviorDrift := 0.0
	if in.BehaviorEvalError {
		behaviorDrift = 0.25
	} else if in.BehaviorKnown {
		behaviorDrift = clamp01(1.0 - in.BehaviorSimilarity)
	}

	tlsDrift := 0.0
	if b != nil && b.LastTLSFamily != "" {
		switch {
		case in.TLSFamily == "":
			tlsDrift = 0.5
		case in.TLSFamily != b.LastTLSFamily:
			tlsDrift = 1.0
		}
	}

	featureDrift := 0.0
	if stat.N() >= 20 {
		z := stat.ZScore(in.Confidence)
		if z < 0 {
			z = -z
		}
		featureDrift = clamp01(z / 3.0)
	}

	modelInstability := 0.0
	if b != nil && b.LastModelVersion != "" && in.ModelVersion != "" && b.LastModelVersion != in.ModelVersion {
		modelInstability = 0.35
	}

	maxDrift := deviceDrift
	for _, v := range []float64{behaviorDrift, tlsDrift, featureDrift, modelInstability} {
		if v > maxDrift {
			maxDrift = v
		}
	}

	var warnings []string
	if deviceDrift >= 0.9 {
		warnings = append(warnings, WarnDeviceChanged)
	}
	if tlsDrift >= 0.9 {
		warnings = append(warnings, WarnTLSFamilyChanged)
	}
	if behaviorDrift >= 0.7 {
		warnings = append(warnings, WarnBehaviorDriftHigh)
	}
	if featureDrift >= 0.7 {
		warnings = append(warnings, WarnConfidenceShift)
	}
	if modelInstability >= 0.3 {
		warnings = append(warnings, WarnModelVersionChanged)
	}
	for _, w := range warnings {
		driftWarningsTotal.WithLabelValues(w).Inc()
	}
	maxDriftHist.Observe(maxDrift)

	summary := Summary{
		DeviceDrift:      deviceDrift,
		BehaviorDrift:    behaviorDrift,
		TLSDrift:         tlsDrift,
		FeatureDrift:     featureDrift,
		ModelInstability: modelInstability,
		MaxDrift:         maxDrift,
		Warnings:         warnings,
		TLSFamily:        in.TLSFamily,
		DeviceSignature:  deviceSig,
	}

	if err := e.store.InsertEvent(ctx, userID, requestID, summary); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("insert drift event: %w", err)
	}

	stat.Push(in.Confidence)
	next := &Baseline{
		UserID:           userID,
		UpdatedAt:        time.Now().UTC(),
		LastDeviceSig:    deviceSig,
		LastTLSFamily:    in.TLSFamily,
		LastModelVersion: in.ModelVersion,
		ConfCount:        stat.N(),
		ConfMean:         stat.Mean(),
		ConfM2:           stat.M2(),
	}
	if err := e.store.UpsertBaseline(ctx, next); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("upsert drift baseline: %w", err)
	}

	return summary, firstErr
}

// Adjust applies the drift penalty to a base confidence and maps max
// drift to an enforcement hint.
func Adjust(baseConfidence float64, s Summary) Adjustment {
	adj := Adjustment{
		AdjustedConfidence: clamp01(baseConfidence - s.MaxDrift*0.30),
		Enforcement:        EnforceNone,
	}
	switch {
	case s.MaxDrift >= 0.85:
		adj.Enforcement = EnforceDeny
	case s.MaxDrift >= 0.60:
		adj.Enforcement = EnforceStepUp
		adj.StepUpRecommended = true
	case s.MaxDrift >= 0.40:
		adj.StepUpRecommended = true
	}
	return adj
}

// DeviceSignature hashes the normalized device attributes. Absent
// attributes default to the empty string so the hash is stable across
// partially-populated telemetry. Returns "" when no device is present.
func DeviceSignature(d *DeviceInfo) string {
	if d == nil {
		return ""
	}
	raw := strings.Join([]string{
		d.UA,
		d.Platform,
		fmt.Sprintf("%d", d.TZOffset),
		fmt.Sprintf("%dx%d@%g", d.ScreenW, d.ScreenH, d.PixelRatio),
		d.CanvasHash,
		d.WebGLHash,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
