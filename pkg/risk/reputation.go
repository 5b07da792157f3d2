package risk

import "math"

// Account-sharing heuristics. A user spread over many TLS stacks or
// countries looks shared or compromised.
const (
	sharingSuspiciousTLSFps    = 5
	sharingSuspiciousCountries = 3
	sharingSuspiciousRisk      = 0.8
	sharingRiskCeiling         = 0.7
)

// SharingRisk estimates in [0,1] how likely the account is used by
// more than one person.
func SharingRisk(s UserStats) float64 {
	if s.TLSFpCount >= sharingSuspiciousTLSFps || s.CountryCount >= sharingSuspiciousCountries {
		return sharingSuspiciousRisk
	}
	devices := float64(s.DeviceCount)
	countries := float64(s.CountryCount)
	risk := 0.2 + 0.05*math.Max(0, devices-1) + 0.1*math.Max(0, countries-1)
	return math.Min(sharingRiskCeiling, risk)
}

// TrustScore blends recent decision confidence with activity volume,
// discounted by the sharing risk.
func TrustScore(s UserStats) float64 {
	risk := SharingRisk(s)
	activity := math.Min(0.15, float64(s.Sessions30d)*0.01)
	return clamp01(s.AvgRecentConfidence*(1-0.5*risk) + activity)
}
