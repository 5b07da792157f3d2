package risk

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Features are the four base scores, each in [0,1].
type Features struct {
	Device   float64
	Behavior float64
	TLS      float64
	Context  float64
}

// Vector is the feature order the anomaly forest is trained on.
func (f Features) Vector() []float64 {
	return []float64{f.Device, f.Behavior, f.TLS, f.Context}
}

// Similarity decay scales per device dimension.
const (
	scaleScreenPx   = 200.0
	scalePixelRatio = 0.5
	scaleTZMinutes  = 60.0
)

// FeatureExtractor is pure: it scores the current telemetry against
// the device-profile snapshot it is handed, never touching a store.
type FeatureExtractor struct {
	now func() time.Time
}

func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{now: time.Now}
}

// Extract builds the base scores. behaviorScore comes from the
// baseline tracker; tlsScore, when non-nil, is the externally
// resolved family score.
func (fe *FeatureExtractor) Extract(t *Telemetry, profile *DeviceProfile, behaviorScore float64, tlsFp string, tlsScore *float64) Features {
	return Features{
		Device:   deviceScore(t.Device, profile),
		Behavior: clamp01(behaviorScore),
		TLS:      fe.tlsScore(tlsFp, tlsScore),
		Context:  fe.contextScore(t),
	}
}

// deviceScore averages per-dimension similarities against the stored
// profile. Continuous dimensions decay as exp(-|delta|/scale); hash
// dimensions compare binary when both sides have a value.
func deviceScore(d *DeviceTelemetry, p *DeviceProfile) float64 {
	if d == nil || p == nil || d.ScreenWidth == 0 || d.ScreenHeight == 0 {
		return 0.5
	}

	var sum float64
	var n int
	add := func(v float64) {
		sum += v
		n++
	}

	add(dimSimilarity(float64(d.ScreenWidth), float64(p.ScreenWidth), scaleScreenPx))
	add(dimSimilarity(float64(d.ScreenHeight), float64(p.ScreenHeight), scaleScreenPx))
	add(dimSimilarity(d.PixelRatio, p.PixelRatio, scalePixelRatio))
	add(dimSimilarity(float64(d.TimezoneOffsetMn), float64(p.TimezoneOffsetMn), scaleTZMinutes))

	if d.CanvasHash != "" && p.CanvasHash != "" {
		add(binaryEq(d.CanvasHash, p.CanvasHash))
	}
	if d.WebGLHash != "" && p.WebGLHash != "" {
		add(binaryEq(d.WebGLHash, p.WebGLHash))
	}

	return sum / float64(n)
}

func dimSimilarity(a, b, scale float64) float64 {
	return math.Exp(-math.Abs(a-b) / scale)
}

func binaryEq(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}

func (fe *FeatureExtractor) tlsScore(tlsFp string, external *float64) float64 {
	if external != nil {
		return clamp01(*external)
	}
	if strings.TrimSpace(tlsFp) != "" {
		return 0.9
	}
	return 0.5
}

// contextScore favors business hours on weekdays. The hour comes from
// the client-reported "hour" context key; without it the score stays
// neutral. Coarse by intent; finer temporal modeling belongs to the
// behavioral baselines.
func (fe *FeatureExtractor) contextScore(t *Telemetry) float64 {
	h, ok := contextHour(t)
	if !ok {
		return 0.5
	}
	wd := fe.now().Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return 0.5
	}
	if h >= 8 && h <= 20 {
		return 0.7
	}
	return 0.5
}

func contextHour(t *Telemetry) (int, bool) {
	if t == nil || t.Context == nil {
		return 0, false
	}
	switch v := t.Context["hour"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		h, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return h, true
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
