package risk

import (
	"math"
	"testing"
)

func TestRulesVectors(t *testing.T) {
	cases := []struct {
		name     string
		pLegit   float64
		flags    Flags
		risk     float64
		decision string
	}{
		{"clean high probability", 0.9, Flags{}, 0.10, DecisionAllow},
		{"new device over vpn", 0.5, Flags{NewDevice: true, VPN: true}, 0.85, DecisionDeny},
		{
			"perfect probability cannot outweigh stacked flags", 1.0,
			Flags{NewDevice: true, NewTLSFingerprint: true, VPN: true, HighRiskAction: true},
			0.70, DecisionDeny,
		},
		{"boundary step up", 0.70, Flags{}, 0.30, DecisionStepUp},
		{"just under step up", 0.71, Flags{}, 0.29, DecisionAllow},
		{"clamped above one", 0.0, Flags{NewDevice: true, VPN: true, HighRiskAction: true}, 1.0, DecisionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateRules(tc.pLegit, tc.flags)
			if math.Abs(got.Risk-tc.risk) > 1e-9 {
				t.Errorf("risk = %v, want %v", got.Risk, tc.risk)
			}
			if got.Decision != tc.decision {
				t.Errorf("decision = %s, want %s", got.Decision, tc.decision)
			}
		})
	}
}

func TestRulesContributionsSumToRisk(t *testing.T) {
	got := EvaluateRules(0.5, Flags{NewDevice: true, InactiveOver30d: true})
	var sum float64
	for _, c := range got.Contributions {
		sum += c.Contribution
	}
	if math.Abs(sum-got.Risk) > 1e-9 {
		t.Errorf("contributions sum %v != risk %v", sum, got.Risk)
	}
}

func TestRulesOutOfRangeProbabilityClamped(t *testing.T) {
	if got := EvaluateRules(1.7, Flags{}); got.Risk != 0 || got.Decision != DecisionAllow {
		t.Errorf("pLegit above 1 should clamp, got %+v", got)
	}
	if got := EvaluateRules(-3, Flags{}); got.Risk != 1 || got.Decision != DecisionDeny {
		t.Errorf("pLegit below 0 should clamp, got %+v", got)
	}
}
