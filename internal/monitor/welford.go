package monitor

import "math"

// Welford accumulates a running mean and variance in one pass.
type Welford struct {
	Count int
	Mean  float64
	M2    float64
}

func (w *Welford) Add(x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := x - w.Mean
	w.M2 += delta * delta2
}

// StdDev returns the sample standard deviation, or NaN with fewer than two values.
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return math.NaN()
	}
	return math.Sqrt(w.M2 / float64(w.Count-1))
}
