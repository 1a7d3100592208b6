package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/simcap/internal/capture"
)

var (
	ErrTooShort       = errors.New("analysis: not enough present values")
	ErrUnknownChannel = errors.New("analysis: channel not in series")
	ErrNoSharedSeries = errors.New("analysis: runs share no channel")
)

type Spectral struct {
	Channel string
	Freqs   []float64
	Power   []float64
}

// Peak returns the frequency of the strongest non-DC bin, or 0 when no
// bin carries power.
func (s Spectral) Peak() float64 {
	best, idx := 0.0, 0
	for i := 1; i < len(s.Power); i++ {
		if s.Power[i] > best {
			best, idx = s.Power[i], i
		}
	}
	if idx == 0 {
		return 0
	}
	return s.Freqs[idx]
}

func sampleInterval(s *capture.Series) (float64, error) {
	if s.Len() < 2 {
		return 0, ErrTooShort
	}
	dt := s.Samples[1].Time - s.Samples[0].Time
	if !(dt > 0) {
		return 0, fmt.Errorf("analysis: non-increasing sample times in %s", s.ID)
	}
	return dt, nil
}

// resample returns channel on the tick grid from its first to its last
// present sample. Absent ticks inside that span are interpolated linearly
// between their present neighbours, so the spacing stays one tick.
func resample(s *capture.Series, channel string) []float64 {
	vals, present := s.Column(channel)
	first, last := -1, -1
	for i, ok := range present {
		if ok {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}

	out := make([]float64, 0, last-first+1)
	prev := first
	for i := first; i <= last; i++ {
		if present[i] {
			out = append(out, vals[i])
			prev = i
			continue
		}
		next := i + 1
		for !present[next] {
			next++
		}
		w := float64(i-prev) / float64(next-prev)
		out = append(out, vals[prev]+w*(vals[next]-vals[prev]))
	}
	return out
}

// Spectrum computes the power spectrum of one channel on the tick grid.
// Absent ticks are interpolated, never zero-filled. The mean is removed
// before the transform and the signal is zero-padded to a power of two.
func Spectrum(s *capture.Series, channel string) (Spectral, error) {
	if !s.HasChannel(channel) {
		return Spectral{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	dt, err := sampleInterval(s)
	if err != nil {
		return Spectral{}, err
	}
	if times, _ := s.Present(channel); len(times) < 4 {
		return Spectral{}, fmt.Errorf("%w: %s has %d", ErrTooShort, channel, len(times))
	}
	values := resample(s, channel)

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	centered := make([]float64, len(values))
	floor := 1e-9 * math.Max(1, math.Abs(mean))
	for i, v := range values {
		if c := v - mean; math.Abs(c) > floor {
			centered[i] = c
		}
	}

	padded := Pad(centered)
	power := PowerSpectrum(padded)
	freqs := make([]float64, len(power))
	fs := 1 / dt
	for i := range freqs {
		freqs[i] = float64(i) * fs / float64(len(padded))
	}
	return Spectral{Channel: channel, Freqs: freqs, Power: power}, nil
}

func DominantFrequency(s *capture.Series, channel string) (float64, error) {
	sp, err := Spectrum(s, channel)
	if err != nil {
		return 0, err
	}
	return sp.Peak(), nil
}

type ChannelDistance struct {
	Channel  string
	Distance float64
}

// CompareSpectra returns, per channel present in both series, the total
// variation distance between their normalized power spectra. 0 means
// identical spectral shape, 1 means disjoint.
func CompareSpectra(a, b *capture.Series) ([]ChannelDistance, error) {
	var out []ChannelDistance
	for _, ch := range a.Channels {
		if !b.HasChannel(ch) {
			continue
		}
		sa, err := Spectrum(a, ch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.ID, err)
		}
		sb, err := Spectrum(b, ch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.ID, err)
		}
		out = append(out, ChannelDistance{Channel: ch, Distance: spectralDistance(sa, sb)})
	}
	if len(out) == 0 {
		return nil, ErrNoSharedSeries
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func spectralDistance(a, b Spectral) float64 {
	if len(b.Power) < len(a.Power) {
		a, b = b, a
	}
	pa := normalize(a.Power)
	pb := make([]float64, len(pa))
	for i, f := range a.Freqs {
		pb[i] = b.Power[nearest(b.Freqs, f)]
	}
	pb = normalize(pb)

	d := 0.0
	for i := range pa {
		d += math.Abs(pa[i] - pb[i])
	}
	return d / 2
}

func normalize(p []float64) []float64 {
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	out := make([]float64, len(p))
	if sum == 0 {
		return out
	}
	for i, v := range p {
		out[i] = v / sum
	}
	return out
}

func nearest(freqs []float64, f float64) int {
	i := sort.SearchFloat64s(freqs, f)
	if i >= len(freqs) {
		return len(freqs) - 1
	}
	if i > 0 && f-freqs[i-1] < freqs[i]-f {
		return i - 1
	}
	return i
}
