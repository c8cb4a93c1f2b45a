package indicators

import "math"

// rangeStats holds the last size true ranges as float64 for status output.
// It is guarded by the owning BarSeries.
type rangeStats struct {
	values []float64
	next   int
	filled int
	sum    float64
}

func newRangeStats(size int) *rangeStats {
	if size < 1 {
		size = 1
	}
	return &rangeStats{values: make([]float64, size)}
}

func (s *rangeStats) add(v float64) {
	if s.filled == len(s.values) {
		s.sum -= s.values[s.next]
	} else {
		s.filled++
	}
	s.values[s.next] = v
	s.sum += v
	s.next = (s.next + 1) % len(s.values)
}

func (s *rangeStats) mean() float64 {
	if s.filled == 0 {
		return 0
	}
	return s.sum / float64(s.filled)
}

func (s *rangeStats) max() float64 {
	if s.filled == 0 {
		return 0
	}
	m := math.Inf(-1)
	for _, v := range s.values[:s.filled] {
		m = math.Max(m, v)
	}
	return m
}

// stdev is the population standard deviation.
func (s *rangeStats) stdev() float64 {
	if s.filled < 2 {
		return 0
	}
	avg := s.mean()
	var sq float64
	for _, v := range s.values[:s.filled] {
		sq += (v - avg) * (v - avg)
	}
	return math.Sqrt(sq / float64(s.filled))
}
