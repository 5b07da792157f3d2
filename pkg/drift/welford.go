package drift

import "math"

// RunningStat is Welford's single-pass running mean/variance. It is
// count-based on purpose: the behavioural baselines elsewhere use
// decayed statistics, and the two disciplines are not interchangeable.
type RunningStat struct {
	n    int64
	mean float64
	m2   float64
}

func NewRunningStat(n int64, mean, m2 float64) *RunningStat {
	if n < 0 {
		n = 0
	}
	return &RunningStat{n: n, mean: mean, m2: m2}
}

func (r *RunningStat) Push(x float64) {
	r.n++
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	delta2 := x - r.mean
	r.m2 += delta * delta2
}

func (r *RunningStat) N() int64      { return r.n }
func (r *RunningStat) Mean() float64 { return r.mean }
func (r *RunningStat) M2() float64   { return r.m2 }

func (r *RunningStat) Variance() float64 {
	if r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n-1)
}

func (r *RunningStat) StdDev() float64 {
	return math.Sqrt(math.Max(0, r.Variance()))
}

// ZScore returns 0 when the distribution is still degenerate.
func (r *RunningStat) ZScore(x float64) float64 {
	sd := r.StdDev()
	if sd < 1e-9 {
		return 0
	}
	return (x - r.mean) / sd
}
