// Package storage persists finalized capture series: a directory per run
// holding metadata.json plus one CSV (or a SQLite database) of samples.
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/metrics"
)

var (
	ErrRunNotFound    = errors.New("storage: run not found")
	ErrSeriesNotFound = errors.New("storage: series not found")
	ErrAmbiguousRun   = errors.New("storage: run reference matches several runs")
	ErrMalformed      = errors.New("storage: malformed series file")
	ErrRunClosed      = errors.New("storage: run already closed")
)

// Missing is written in place of an absent channel value.
const Missing = "NA"

// Sink receives finalized series, one call per series.
type Sink interface {
	Export(s *capture.Series) error
}

type SeriesStats struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
	Samples  int      `json:"samples"`
	Partial  int      `json:"partial"`
	Late     int      `json:"late"`
	File     string   `json:"file,omitempty"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func statsOf(s *capture.Series) SeriesStats {
	return SeriesStats{
		ID:       s.ID,
		Channels: append([]string(nil), s.Channels...),
		Samples:  s.Len(),
		Partial:  s.Partial(),
		Late:     s.Late(),
		Metrics:  metrics.Evaluate(s, metrics.Default()...),
	}
}

type RunMetadata struct {
	ID        string        `json:"id"`
	Preset    string        `json:"preset"`
	Mode      string        `json:"mode"`
	Timestamp time.Time     `json:"timestamp"`
	Seed      int64         `json:"seed"`
	Dt        float64       `json:"dt"`
	Duration  float64       `json:"duration"`
	Ticks     uint64        `json:"ticks"`
	Warmup    int           `json:"warmup"`
	Sink      string        `json:"sink"`
	Series    []SeriesStats `json:"series"`
	Truncated bool          `json:"truncated"`
	Error     string        `json:"error,omitempty"`
}

func (m *RunMetadata) SeriesIDs() []string {
	ids := make([]string, len(m.Series))
	for i, s := range m.Series {
		ids[i] = s.ID
	}
	return ids
}

func fileName(seriesID string) string {
	return strings.ReplaceAll(seriesID, "/", "_") + ".csv"
}
