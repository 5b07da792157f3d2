package drift

import (
	"context"
	"math"
	"testing"
)

type memStore struct {
	baselines map[string]*Baseline
	events    int
	getErr    error
}

func newMemStore() *memStore {
	return &memStore{baselines: make(map[string]*Baseline)}
}

func (m *memStore) GetBaseline(_ context.Context, userID string) (*Baseline, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.baselines[userID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) UpsertBaseline(_ context.Context, b *Baseline) error {
	cp := *b
	m.baselines[b.UserID] = &cp
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, _, _ string, _ Summary) error {
	m.events++
	return nil
}

func sampleDevice() *DeviceInfo {
	return &DeviceInfo{
		UA:         "Mozilla/5.0",
		Platform:   "MacIntel",
		TZOffset:   -60,
		ScreenW:    2560,
		ScreenH:    1440,
		PixelRatio: 2.0,
		CanvasHash: "cv-abc",
		WebGLHash:  "gl-def",
	}
}

func TestFirstCallHasNoDeviceDrift(t *testing.T) {
	e := NewEngine(newMemStore())
	s, err := e.Compute(context.Background(), Input{
		UserID: "u1", RequestID: "r1", Device: sampleDevice(),
		TLSFamily: "fam-1", Confidence: 0.9, ModelVersion: "v1",
	})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.DeviceDrift != 0 || s.TLSDrift != 0 || s.ModelInstability != 0 {
		t.Errorf("first call drift = %+v, want zeros (no baseline to compare)", s)
	}
}

func TestIdenticalSignatureMeansZeroDeviceDrift(t *testing.T) {
	e := NewEngine(newMemStore())
	in := Input{UserID: "u1", Device: sampleDevice(), TLSFamily: "fam-1", Confidence: 0.9, ModelVersion: "v1"}

	if _, err := e.Compute(context.Background(), in); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	s, err := e.Compute(context.Background(), in)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.DeviceDrift != 0.0 {
		t.Errorf("deviceDrift = %f, want 0.0 for identical signature", s.DeviceDrift)
	}
	if s.TLSDrift != 0.0 {
		t.Errorf("tlsDrift = %f, want 0.0 for same family", s.TLSDrift)
	}
}

func TestChangedCanvasHashIsFullDeviceDrift(t *testing.T) {
	e := NewEngine(newMemStore())
	in := Input{UserID: "u1", Device: sampleDevice(), Confidence: 0.9}
	if _, err := e.Compute(context.Background(), in); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	changed := sampleDevice()
	changed.CanvasHash = "cv-other"
	s, err := e.Compute(context.Background(), Input{UserID: "u1", Device: changed, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.DeviceDrift != 1.0 {
		t.Errorf("deviceDrift = %f, want 1.0 for changed canvas hash", s.DeviceDrift)
	}
	if !contains(s.Warnings, WarnDeviceChanged) {
		t.Errorf("warnings %v should include %s", s.Warnings, WarnDeviceChanged)
	}
}

func TestMissingDeviceAgainstBaselineIsPartialDrift(t *testing.T) {
	e := NewEngine(newMemStore())
	if _, err := e.Compute(context.Background(), Input{UserID: "u1", Device: sampleDevice(), Confidence: 0.9}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	s, err := e.Compute(context.Background(), Input{UserID: "u1", Device: nil, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.DeviceDrift != 0.5 {
		t.Errorf("deviceDrift = %f, want 0.5 when current signature unobtainable", s.DeviceDrift)
	}
}

func TestTLSFamilyChange(t *testing.T) {
	e := NewEngine(newMemStore())
	if _, err := e.Compute(context.Background(), Input{UserID: "u1", TLSFamily: "fam-1", Confidence: 0.9}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	s, err := e.Compute(context.Background(), Input{UserID: "u1", TLSFamily: "fam-2", Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.TLSDrift != 1.0 {
		t.Errorf("tlsDrift = %f, want 1.0", s.TLSDrift)
	}
	if !contains(s.Warnings, WarnTLSFamilyChanged) {
		t.Errorf("warnings %v should include %s", s.Warnings, WarnTLSFamilyChanged)
	}
}

func TestBehaviorDrift(t *testing.T) {
	e := NewEngine(newMemStore())

	s, err := e.Compute(context.Background(), Input{UserID: "u1", BehaviorKnown: true, BehaviorSimilarity: 0.2, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(s.BehaviorDrift-0.8) > 1e-12 {
		t.Errorf("behaviorDrift = %f, want 0.8", s.BehaviorDrift)
	}
	if !contains(s.Warnings, WarnBehaviorDriftHigh) {
		t.Errorf("warnings %v should include %s", s.Warnings, WarnBehaviorDriftHigh)
	}

	s, err = e.Compute(context.Background(), Input{UserID: "u2", BehaviorEvalError: true, Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.BehaviorDrift != 0.25 {
		t.Errorf("behaviorDrift on eval error = %f, want 0.25", s.BehaviorDrift)
	}
}

func TestModelVersionChange(t *testing.T) {
	e := NewEngine(newMemStore())
	if _, err := e.Compute(context.Background(), Input{UserID: "u1", ModelVersion: "v1", Confidence: 0.9}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	s, err := e.Compute(context.Background(), Input{UserID: "u1", ModelVersion: "v2", Confidence: 0.9})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.ModelInstability != 0.35 {
		t.Errorf("modelInstability = %f, want 0.35", s.ModelInstability)
	}
	if !contains(s.Warnings, WarnModelVersionChanged) {
		t.Errorf("warnings %v should include %s", s.Warnings, WarnModelVersionChanged)
	}
}

func TestFeatureDriftNeedsTwentyObservations(t *testing.T) {
	e := NewEngine(newMemStore())

	for i := 0; i < 19; i++ {
		s, err := e.Compute(context.Background(), Input{UserID: "u1", Confidence: 0.9})
		if err != nil {
			t.Fatalf("Compute %d: %v", i, err)
		}
		if s.FeatureDrift != 0 {
			t.Fatalf("featureDrift = %f before 20 observations, want 0", s.FeatureDrift)
		}
	}

	// 20th observation onward the z-score applies; a crashing
	// confidence should register.
	if _, err := e.Compute(context.Background(), Input{UserID: "u1", Confidence: 0.9}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	s, err := e.Compute(context.Background(), Input{UserID: "u1", Confidence: 0.1})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.FeatureDrift <= 0 {
		t.Errorf("featureDrift = %f after confidence collapse, want > 0", s.FeatureDrift)
	}
}

func TestWelfordBaselinePersistence(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store)
	confs := []float64{0.9, 0.8, 0.85, 0.7}
	for _, c := range confs {
		if _, err := e.Compute(context.Background(), Input{UserID: "u1", Confidence: c}); err != nil {
			t.Fatalf("Compute: %v", err)
		}
	}

	b := store.baselines["u1"]
	if b == nil {
		t.Fatal("baseline not persisted")
	}
	if b.ConfCount != int64(len(confs)) {
		t.Errorf("ConfCount = %d, want %d", b.ConfCount, len(confs))
	}

	want := NewRunningStat(0, 0, 0)
	for _, c := range confs {
		want.Push(c)
	}
	if math.Abs(b.ConfMean-want.Mean()) > 1e-12 || math.Abs(b.ConfM2-want.M2()) > 1e-12 {
		t.Errorf("persisted stat (%f, %f) != expected (%f, %f)", b.ConfMean, b.ConfM2, want.Mean(), want.M2())
	}
}

func TestAdjust(t *testing.T) {
	tests := []struct {
		name        string
		base        float64
		max         float64
		wantConf    float64
		wantEnforce string
		wantStepUp  bool
	}{
		{"no drift", 0.9, 0.0, 0.9, EnforceNone, false},
		{"mild", 0.9, 0.45, 0.765, EnforceNone, true},
		{"step up", 0.9, 0.65, 0.705, EnforceStepUp, true},
		{"deny", 0.9, 0.9, 0.63, EnforceDeny, false},
		{"floor", 0.1, 1.0, 0.0, EnforceDeny, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Adjust(tt.base, Summary{MaxDrift: tt.max})
			if math.Abs(got.AdjustedConfidence-tt.wantConf) > 1e-9 {
				t.Errorf("AdjustedConfidence = %f, want %f", got.AdjustedConfidence, tt.wantConf)
			}
			if got.Enforcement != tt.wantEnforce {
				t.Errorf("Enforcement = %s, want %s", got.Enforcement, tt.wantEnforce)
			}
			if got.StepUpRecommended != tt.wantStepUp {
				t.Errorf("StepUpRecommended = %v, want %v", got.StepUpRecommended, tt.wantStepUp)
			}
		})
	}
}

func TestRunningStatAgainstNaive(t *testing.T) {
	values := []float64{0.1, 0.9, 0.4, 0.4, 0.7, 0.2, 0.95}
	stat := NewRunningStat(0, 0, 0)
	sum := 0.0
	for _, v := range values {
		stat.Push(v)
		sum += v
	}
	mean := sum / float64(len(values))
	varSum := 0.0
	for _, v := range values {
		varSum += (v - mean) * (v - mean)
	}
	naiveVar := varSum / float64(len(values)-1)

	if math.Abs(stat.Mean()-mean) > 1e-12 {
		t.Errorf("mean = %v, want %v", stat.Mean(), mean)
	}
	if math.Abs(stat.Variance()-naiveVar) > 1e-12 {
		t.Errorf("variance = %v, want %v", stat.Variance(), naiveVar)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
