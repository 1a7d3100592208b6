package metrics

import "github.com/san-kum/simcap/internal/capture"

// LongestGap is the longest run of consecutive partial samples.
type LongestGap struct {
	name    string
	current int
	longest int
}

func NewLongestGap() *LongestGap {
	return &LongestGap{name: "longest_gap"}
}

func (g *LongestGap) Name() string { return g.name }

func (g *LongestGap) Observe(s capture.Sample) {
	if s.Complete {
		g.current = 0
		return
	}
	g.current++
	if g.current > g.longest {
		g.longest = g.current
	}
}

func (g *LongestGap) Value() float64 { return float64(g.longest) }

func (g *LongestGap) Reset() {
	g.current = 0
	g.longest = 0
}
