package analysis

import (
	"math"

	"github.com/san-kum/simcap/internal/capture"
)

type ChannelStats struct {
	Channel string
	Count   int
	Missing int
	Mean    float64
	Std     float64
	Min     float64
	Max     float64
}

// Accumulator keeps running moments with Welford's update.
type Accumulator struct {
	n        int
	mean, m2 float64
	min, max float64
}

func (a *Accumulator) Observe(v float64) {
	a.n++
	if a.n == 1 {
		a.min, a.max = v, v
	} else {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	d := v - a.mean
	a.mean += d / float64(a.n)
	a.m2 += d * (v - a.mean)
}

func (a *Accumulator) Count() int    { return a.n }
func (a *Accumulator) Mean() float64 { return a.mean }

// Std is the population standard deviation.
func (a *Accumulator) Std() float64 {
	if a.n == 0 {
		return 0
	}
	return math.Sqrt(a.m2 / float64(a.n))
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Summarize reports per-channel statistics over present values, in
// schema order.
func Summarize(s *capture.Series) []ChannelStats {
	out := make([]ChannelStats, 0, len(s.Channels))
	var acc Accumulator
	for _, ch := range s.Channels {
		acc.Reset()
		missing := 0
		for _, smp := range s.Samples {
			if v, ok := smp.Values[ch]; ok {
				acc.Observe(v)
			} else {
				missing++
			}
		}
		st := ChannelStats{Channel: ch, Count: acc.Count(), Missing: missing}
		if acc.Count() > 0 {
			st.Mean, st.Std, st.Min, st.Max = acc.Mean(), acc.Std(), acc.min, acc.max
		}
		out = append(out, st)
	}
	return out
}
