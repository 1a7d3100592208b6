// Package metrics scores the quality of a captured series, one sample at
// a time.
package metrics

import "github.com/san-kum/simcap/internal/capture"

type Metric interface {
	Name() string
	Observe(s capture.Sample)
	Value() float64
	Reset()
}

// Default returns fresh instances of every capture quality metric.
func Default() []Metric {
	return []Metric{NewCompleteness(), NewLateRate(), NewLongestGap()}
}

// Evaluate feeds every sample of s to each metric and collects the values.
func Evaluate(s *capture.Series, ms ...Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		m.Reset()
		for _, smp := range s.Samples {
			m.Observe(smp)
		}
		out[m.Name()] = m.Value()
	}
	return out
}
