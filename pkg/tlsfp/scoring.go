package tlsfp

import (
	"math"
	"time"
)

// FamilyScores are deterministic confidence/stability ratings for a TLS
// family, bounded to [0,1] and driven by observation volume, variant
// dispersion and recency.
type FamilyScores struct {
	Confidence float64
	Stability  float64
}

// ScoreFamily rates a family. Confidence saturates quickly with
// observations; stability needs more history and penalizes variant
// spread harder. Families not seen recently decay on a ~30-day curve.
func ScoreFamily(observationCount int64, variantCount int, lastSeen, now time.Time) FamilyScores {
	obs := float64(observationCount)
	if obs < 1 {
		obs = 1
	}
	variants := variantCount
	if variants < 1 {
		variants = 1
	}

	recency := 1.0
	if !lastSeen.IsZero() && !now.IsZero() && now.After(lastSeen) {
		days := now.Sub(lastSeen).Hours() / 24
		recency = math.Exp(-days / 30.0)
	}

	obsFactor := 1.0 - math.Exp(-obs/25.0)
	variantPenalty := 1.0 / (1.0 + 0.20*float64(variants-1))
	confidence := clampScore(obsFactor * variantPenalty * recency)

	stabilityObs := 1.0 - math.Exp(-obs/60.0)
	stabilityPenalty := 1.0 / (1.0 + 0.35*float64(variants-1))
	stability := clampScore(stabilityObs * stabilityPenalty * recency)

	return FamilyScores{Confidence: confidence, Stability: stability}
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
