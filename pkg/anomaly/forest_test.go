package anomaly

import (
	"encoding/json"
	"math"
	"testing"
)

func clusteredData() [][]float64 {
	data := make([][]float64, 0, 200)
	for i := 0; i < 200; i++ {
		x := 0.5 + 0.01*float64(i%10)
		y := 0.5 - 0.01*float64(i%7)
		data = append(data, []float64{x, y, 0.9, 0.7})
	}
	return data
}

func TestUntrainedForestScoresZero(t *testing.T) {
	f := NewForest(50, 64, 1)
	if f.Trained() {
		t.Fatal("new forest should not be trained")
	}
	points := [][]float64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
		{0.5, 0.5, 0.5, 0.5},
	}
	for _, p := range points {
		if got := f.Score(p); got != 0.0 {
			t.Errorf("untrained Score(%v) = %f, want exactly 0.0", p, got)
		}
	}
}

func TestFitRejectsBadData(t *testing.T) {
	f := NewForest(10, 32, 1)
	if err := f.Fit(nil); err == nil {
		t.Error("Fit(nil) should fail")
	}
	if err := f.Fit([][]float64{{1, 2}, {1}}); err == nil {
		t.Error("Fit with ragged rows should fail")
	}
}

func TestDeterministicWithFixedSeed(t *testing.T) {
	data := clusteredData()

	a := NewForest(50, 64, 42)
	b := NewForest(50, 64, 42)
	if err := a.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if err := b.Fit(data); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	points := [][]float64{
		{0.5, 0.5, 0.9, 0.7},
		{0.0, 0.0, 0.0, 0.0},
		{0.55, 0.45, 0.9, 0.7},
	}
	for _, p := range points {
		sa, sb := a.Score(p), b.Score(p)
		if sa != sb {
			t.Errorf("seed 42 not reproducible for %v: %v vs %v", p, sa, sb)
		}
	}
}

func TestAnomalousPointScoresHigherThanTypical(t *testing.T) {
	f := NewForest(100, 128, 7)
	if err := f.Fit(clusteredData()); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	typical := f.Score([]float64{0.52, 0.48, 0.9, 0.7})
	outlier := f.Score([]float64{0.0, 0.0, 0.0, 0.0})

	if typical <= 0 || typical > 1 || outlier <= 0 || outlier > 1 {
		t.Fatalf("scores out of range: typical=%f outlier=%f", typical, outlier)
	}
	if outlier <= typical {
		t.Errorf("outlier score %f should exceed typical score %f", outlier, typical)
	}
}

func TestAvgPathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 2.0*(math.Log(1)+eulerMascheroni) - 1.0},
		{256, 2.0*(math.Log(255)+eulerMascheroni) - 2.0*255.0/256.0},
	}
	for _, tt := range tests {
		if got := avgPathLength(tt.n); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("avgPathLength(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestCodecRoundTripPreservesScores(t *testing.T) {
	f := NewForest(30, 64, 99)
	if err := f.Fit(clusteredData()); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var loaded Forest
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !loaded.Trained() {
		t.Fatal("decoded forest should be trained")
	}

	points := [][]float64{
		{0.5, 0.5, 0.9, 0.7},
		{0.1, 0.9, 0.2, 0.3},
	}
	for _, p := range points {
		if f.Score(p) != loaded.Score(p) {
			t.Errorf("scores differ after round trip for %v", p)
		}
	}
}

func TestHandleSwap(t *testing.T) {
	h := NewHandle()
	if f, v := h.ActiveForest(); f != nil || v != "" {
		t.Fatal("empty handle should return nil forest, empty version")
	}

	forest := NewForest(10, 32, 1)
	if err := forest.Fit(clusteredData()); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	h.Swap(forest, "m-2026-08-01")

	got, version := h.ActiveForest()
	if got != forest || version != "m-2026-08-01" {
		t.Errorf("ActiveForest() = (%p, %q), want published snapshot", got, version)
	}
}
