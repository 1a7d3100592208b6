package metrics

import "github.com/san-kum/simcap/internal/capture"

// LateRate is the mean number of late readings per sample.
type LateRate struct {
	name    string
	sum     int
	samples int
}

func NewLateRate() *LateRate {
	return &LateRate{
		name: "late_rate",
	}
}

func (l *LateRate) Name() string {
	return l.name
}

func (l *LateRate) Observe(s capture.Sample) {
	l.sum += s.Late
	l.samples++
}

func (l *LateRate) Value() float64 {
	if l.samples == 0 {
		return 0
	}
	return float64(l.sum) / float64(l.samples)
}

func (l *LateRate) Reset() {
	l.sum = 0
	l.samples = 0
}
