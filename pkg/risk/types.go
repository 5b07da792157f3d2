// Package risk assembles the scoring pipeline: feature extraction,
// anomaly scoring, the rules engine, drift adjustment and policy
// overrides, producing one DecisionResponse per scored event.
package risk

import (
	"context"
	"time"

	"trustgate/pkg/anomaly"
	"trustgate/pkg/behavior"
	"trustgate/pkg/drift"
	"trustgate/pkg/policy"
	"trustgate/pkg/tlsfp"
)

// Canonical decisions.
const (
	DecisionAllow  = "ALLOW"
	DecisionStepUp = "STEP_UP"
	DecisionDeny   = "DENY"
)

// DeviceTelemetry is the client-reported device fingerprint surface.
type DeviceTelemetry struct {
	UserAgent        string  `json:"user_agent"`
	Platform         string  `json:"platform"`
	HardwareThreads  int     `json:"hardware_threads"`
	DeviceMemoryGB   float64 `json:"device_memory_gb"`
	ScreenWidth      int     `json:"screen_width"`
	ScreenHeight     int     `json:"screen_height"`
	PixelRatio       float64 `json:"pixel_ratio"`
	TimezoneOffsetMn int     `json:"timezone_offset_min"`
	CanvasHash       string  `json:"canvas_hash"`
	WebGLHash        string  `json:"webgl_hash"`
}

// BehaviorTelemetry carries the behavioral biometrics for one session
// window.
type BehaviorTelemetry struct {
	AvgKeyIntervalMs   float64 `json:"avg_key_interval_ms"`
	KeyIntervalStdMs   float64 `json:"key_interval_std_ms"`
	ScrollEventsPerSec float64 `json:"scroll_events_per_sec"`
	PointerAvgVelocity float64 `json:"pointer_avg_velocity"`
	PointerMaxVelocity float64 `json:"pointer_max_velocity"`
	MouseDistance      float64 `json:"mouse_distance"`
}

// Telemetry is one scoring event's input. Context is a free-form map
// validated against the banned-key list before scoring.
type Telemetry struct {
	UserID   string             `json:"user_id"`
	TenantID string             `json:"tenant_id"`
	Device   *DeviceTelemetry   `json:"device,omitempty"`
	Behavior *BehaviorTelemetry `json:"behavior,omitempty"`
	Context  map[string]any     `json:"context,omitempty"`
}

// DeviceProfile is the stored per-(user, tlsFp, canvasHash) device
// state. SeenCount only ever grows; SeenCount <= 1 means new device.
type DeviceProfile struct {
	UserID           string
	TLSFingerprint   string
	CanvasHash       string
	UAFamily         string
	ScreenWidth      int
	ScreenHeight     int
	PixelRatio       float64
	TimezoneOffsetMn int
	WebGLHash        string
	FirstSeen        time.Time
	LastSeen         time.Time
	SeenCount        int64
	LastCountry      string
}

// UserStats is the cross-device view used for reputation scoring.
// LastSeen is the user's most recent session before the current one.
type UserStats struct {
	DeviceCount         int
	TLSFpCount          int
	CountryCount        int
	Sessions30d         int
	AvgRecentConfidence float64
	LastSeen            time.Time
}

// DecisionResponse is the pipeline output.
type DecisionResponse struct {
	Decision     string             `json:"decision"`
	Confidence   float64            `json:"confidence"`
	RiskScore    float64            `json:"risk_score"`
	SessionID    string             `json:"session_id"`
	Breakdown    map[string]float64 `json:"breakdown"`
	Explanations []string           `json:"explanations"`
	DriftSummary *drift.Summary     `json:"drift_summary,omitempty"`
	PolicyMatch  *PolicyTrace       `json:"policy_match,omitempty"`
}

// PolicyTrace records which rule matched and what happened to its
// action.
type PolicyTrace struct {
	RuleID           int64  `json:"rule_id"`
	Scope            string `json:"scope"`
	Description      string `json:"description,omitempty"`
	Override         string `json:"override,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Suppressed       bool   `json:"suppressed,omitempty"`
	SuppressedReason string `json:"suppressed_reason,omitempty"`
}

// FeatureContribution is one weighted signal in the explanation
// breakdown. Never persisted.
type FeatureContribution struct {
	Key          string
	Value        float64
	Weight       float64
	Contribution float64
}

// ProfileStore owns device profiles and user-level aggregates.
// Upsert folds the current observation in and returns the updated
// profile. UserStats reports the user's history before this event so
// inactivity is not masked by the write that was just made.
type ProfileStore interface {
	Upsert(ctx context.Context, userID, tlsFp, country string, device *DeviceTelemetry) (*DeviceProfile, error)
	UserStats(ctx context.Context, userID string) (*UserStats, error)
}

// BehaviorUpdater is the baseline tracker surface the pipeline needs.
type BehaviorUpdater interface {
	Update(ctx context.Context, userID string, sample *behavior.Sample) (behavior.Result, error)
}

// TLSObserver resolves a raw fingerprint into a family observation.
type TLSObserver interface {
	Observe(ctx context.Context, userID, tlsFp, tlsMeta string) (tlsfp.Observation, error)
}

// ModelSource hands out the active immutable forest snapshot.
type ModelSource interface {
	ActiveForest() (*anomaly.Forest, string)
}

// DriftComputer evaluates and updates the per-user drift baseline.
type DriftComputer interface {
	Compute(ctx context.Context, in drift.Input) (drift.Summary, error)
}

// PolicyEvaluator resolves and applies override policies.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, tenantID, userID string, decCtx map[string]any) policy.Outcome
}

// Classifier is an optional external model producing the probability
// that the event is legitimate. When absent the pipeline derives
// pLegit from the anomaly score.
type Classifier interface {
	PLegit(ctx context.Context, features []float64) (float64, error)
}
