package risk

import (
	"math"
	"testing"
)

func TestSharingRiskSuspiciousThresholds(t *testing.T) {
	if r := SharingRisk(UserStats{TLSFpCount: 5}); r != 0.8 {
		t.Errorf("five tls fingerprints should be suspicious, got %v", r)
	}
	if r := SharingRisk(UserStats{CountryCount: 3}); r != 0.8 {
		t.Errorf("three countries should be suspicious, got %v", r)
	}
}

func TestSharingRiskGradual(t *testing.T) {
	// 0.2 + 0.05*(3-1) + 0.1*(2-1) = 0.4
	r := SharingRisk(UserStats{DeviceCount: 3, CountryCount: 2})
	if math.Abs(r-0.4) > 1e-9 {
		t.Errorf("got %v, want 0.4", r)
	}
	// ceiling
	if r := SharingRisk(UserStats{DeviceCount: 20, CountryCount: 2}); r != 0.7 {
		t.Errorf("gradual risk should cap at 0.7, got %v", r)
	}
	// a brand new user stays near the floor
	if r := SharingRisk(UserStats{DeviceCount: 1, CountryCount: 1}); math.Abs(r-0.2) > 1e-9 {
		t.Errorf("single device single country should be 0.2, got %v", r)
	}
}

func TestTrustScoreBlend(t *testing.T) {
	s := UserStats{DeviceCount: 1, CountryCount: 1, Sessions30d: 10, AvgRecentConfidence: 0.8}
	// risk 0.2 -> 0.8*(1-0.1) + 0.10 = 0.82
	got := TrustScore(s)
	if math.Abs(got-0.82) > 1e-9 {
		t.Errorf("got %v, want 0.82", got)
	}
}

func TestTrustScoreActivityBonusCapped(t *testing.T) {
	low := TrustScore(UserStats{Sessions30d: 15, AvgRecentConfidence: 0.5, DeviceCount: 1, CountryCount: 1})
	high := TrustScore(UserStats{Sessions30d: 500, AvgRecentConfidence: 0.5, DeviceCount: 1, CountryCount: 1})
	if low != high {
		t.Errorf("activity bonus should cap at 0.15: %v vs %v", low, high)
	}
}

func TestTrustScoreBounded(t *testing.T) {
	if s := TrustScore(UserStats{Sessions30d: 1000, AvgRecentConfidence: 1.0}); s > 1 {
		t.Errorf("trust must stay in [0,1], got %v", s)
	}
}
