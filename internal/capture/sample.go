package capture

import (
	"sort"
	"sync"
)

// Sample is one sealed tick of a series. Values holds only the channels
// that were written; a channel missing from Values is absent.
type Sample struct {
	Tick     uint64
	Time     float64
	Values   map[string]float64
	Complete bool
	// Late counts writes stamped with a frame older than Tick.
	Late int
}

// Value returns the measurement for ch and whether it was written.
func (s Sample) Value(ch string) (float64, bool) {
	v, ok := s.Values[ch]
	return v, ok
}

// Series is the ordered, gap-free sequence of sealed samples of one
// agent sensor. Samples[i].Tick increases by one at every index.
type Series struct {
	ID       string
	Channels []string
	Samples  []Sample
}

func (s *Series) Len() int { return len(s.Samples) }

// Column returns the values of ch in tick order together with a presence
// mask. Entries whose mask is false carry no measurement.
func (s *Series) Column(ch string) ([]float64, []bool) {
	vals := make([]float64, len(s.Samples))
	present := make([]bool, len(s.Samples))
	for i, smp := range s.Samples {
		vals[i], present[i] = smp.Values[ch]
	}
	return vals, present
}

// Present returns only the ticks where ch was written, as parallel time
// and value slices.
func (s *Series) Present(ch string) ([]float64, []float64) {
	times := make([]float64, 0, len(s.Samples))
	vals := make([]float64, 0, len(s.Samples))
	for _, smp := range s.Samples {
		if v, ok := smp.Values[ch]; ok {
			times = append(times, smp.Time)
			vals = append(vals, v)
		}
	}
	return times, vals
}

func (s *Series) Times() []float64 {
	times := make([]float64, len(s.Samples))
	for i, smp := range s.Samples {
		times[i] = smp.Time
	}
	return times
}

// Partial returns the number of partial samples.
func (s *Series) Partial() int {
	n := 0
	for _, smp := range s.Samples {
		if !smp.Complete {
			n++
		}
	}
	return n
}

// Late returns the number of late writes absorbed by the series.
func (s *Series) Late() int {
	n := 0
	for _, smp := range s.Samples {
		n += smp.Late
	}
	return n
}

func (s *Series) HasChannel(ch string) bool {
	for _, c := range s.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Skip returns a view of the series without its first n samples. It is
// the warm-up window applied before export.
func (s *Series) Skip(n int) *Series {
	if n < 0 {
		n = 0
	}
	if n > len(s.Samples) {
		n = len(s.Samples)
	}
	return &Series{ID: s.ID, Channels: s.Channels, Samples: s.Samples[n:]}
}

// slot is the open sample of one series plus the series it seals into.
type slot struct {
	mu       sync.Mutex
	schema   map[string]struct{}
	values   map[string]float64
	late     int
	series   *Series
	channels int
}

func newSlot(id string, channels []string) *slot {
	schema := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		schema[ch] = struct{}{}
	}
	own := make([]string, len(channels))
	copy(own, channels)
	return &slot{
		schema:   schema,
		values:   make(map[string]float64, len(channels)),
		series:   &Series{ID: id, Channels: own},
		channels: len(channels),
	}
}

func (s *slot) unknown(values map[string]float64) []string {
	var bad []string
	for ch := range values {
		if _, ok := s.schema[ch]; !ok {
			bad = append(bad, ch)
		}
	}
	sort.Strings(bad)
	return bad
}

// write merges values into the open sample. open is the simulator frame
// the open tick stands for.
func (s *slot) write(open uint64, frame *uint64, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, v := range values {
		s.values[ch] = v
	}
	if frame != nil && *frame < open {
		s.late++
	}
}

// seal moves the open sample into the series and opens an empty one.
func (s *slot) seal(tick uint64, t float64) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp := Sample{
		Tick:     tick,
		Time:     t,
		Values:   s.values,
		Complete: len(s.values) == s.channels,
		Late:     s.late,
	}
	s.series.Samples = append(s.series.Samples, smp)
	s.values = make(map[string]float64, s.channels)
	s.late = 0
	// The caller gets its own copy of the values; the series keeps smp.
	out := smp
	out.Values = make(map[string]float64, len(smp.Values))
	for ch, v := range smp.Values {
		out.Values[ch] = v
	}
	return out
}
