package risk

// Additive risk weights for the discrete context flags.
const (
	weightNewDevice      = 0.20
	weightNewTLSFp       = 0.10
	weightVPN            = 0.15
	weightHighRiskAction = 0.25
	weightInactive       = 0.10
)

// Decision thresholds on the summed risk.
const (
	thresholdStepUp = 0.30
	thresholdDeny   = 0.70
)

// Flags are the discrete signals the rules engine folds into risk.
type Flags struct {
	NewDevice         bool
	NewTLSFingerprint bool
	VPN               bool
	HighRiskAction    bool
	InactiveOver30d   bool
}

// RulesResult carries the final risk plus the per-flag contributions
// for the explanation breakdown.
type RulesResult struct {
	Risk          float64
	Decision      string
	Contributions []FeatureContribution
}

// EvaluateRules is total and pure: every finite pLegit maps to a
// decision, no side effects.
func EvaluateRules(pLegit float64, f Flags) RulesResult {
	base := clamp01(1 - clamp01(pLegit))

	contribs := []FeatureContribution{
		{Key: "ml_risk", Value: base, Weight: 1.0, Contribution: base},
	}
	risk := base

	addFlag := func(key string, set bool, weight float64) {
		if !set {
			return
		}
		risk += weight
		contribs = append(contribs, FeatureContribution{Key: key, Value: 1, Weight: weight, Contribution: weight})
	}
	addFlag("new_device", f.NewDevice, weightNewDevice)
	addFlag("new_tls_fingerprint", f.NewTLSFingerprint, weightNewTLSFp)
	addFlag("vpn_detected", f.VPN, weightVPN)
	addFlag("high_risk_action", f.HighRiskAction, weightHighRiskAction)
	addFlag("inactive_over_30d", f.InactiveOver30d, weightInactive)

	risk = clamp01(risk)

	decision := DecisionAllow
	switch {
	case risk >= thresholdDeny:
		decision = DecisionDeny
	case risk >= thresholdStepUp:
		decision = DecisionStepUp
	}

	return RulesResult{Risk: risk, Decision: decision, Contributions: contribs}
}
