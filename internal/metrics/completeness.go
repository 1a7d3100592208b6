package metrics

import "github.com/san-kum/simcap/internal/capture"

// Completeness is the fraction of complete samples.
type Completeness struct {
	name     string
	complete int
	samples  int
}

func NewCompleteness() *Completeness {
	return &Completeness{
		name: "completeness",
	}
}

func (c *Completeness) Name() string {
	return c.name
}

func (c *Completeness) Observe(s capture.Sample) {
	c.samples++
	if s.Complete {
		c.complete++
	}
}

func (c *Completeness) Value() float64 {
	if c.samples == 0 {
		return 1.0
	}
	return float64(c.complete) / float64(c.samples)
}

func (c *Completeness) Reset() {
	c.complete = 0
	c.samples = 0
}
