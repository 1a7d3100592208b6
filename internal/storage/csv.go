package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/san-kum/simcap/internal/capture"
)

const (
	statusComplete = "complete"
	statusPartial  = "partial"
)

// WriteCSV writes one row per sample in tick order with header
// tick,time,<channels...>,status,late. Absent values are written as Missing.
func WriteCSV(w io.Writer, s *capture.Series) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(s.Channels)+4)
	header = append(header, "tick", "time")
	header = append(header, s.Channels...)
	header = append(header, "status", "late")
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, smp := range s.Samples {
		row = row[:0]
		row = append(row, strconv.FormatUint(smp.Tick, 10), strconv.FormatFloat(smp.Time, 'g', -1, 64))
		for _, ch := range s.Channels {
			if v, ok := smp.Values[ch]; ok {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				row = append(row, Missing)
			}
		}
		status := statusPartial
		if smp.Complete {
			status = statusComplete
		}
		row = append(row, status, strconv.Itoa(smp.Late))
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV is the inverse of WriteCSV.
func ReadCSV(r io.Reader, id string) (*capture.Series, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	header := records[0]
	n := len(header)
	if n < 4 || header[0] != "tick" || header[1] != "time" || header[n-2] != "status" || header[n-1] != "late" {
		return nil, fmt.Errorf("%w: header %v", ErrMalformed, header)
	}
	channels := append([]string(nil), header[2:n-2]...)

	s := &capture.Series{ID: id, Channels: channels, Samples: make([]capture.Sample, 0, len(records)-1)}
	for line, rec := range records[1:] {
		smp, err := parseRow(rec, channels)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line+2, err)
		}
		s.Samples = append(s.Samples, smp)
	}
	return s, nil
}

func parseRow(rec []string, channels []string) (capture.Sample, error) {
	var smp capture.Sample
	tick, err := strconv.ParseUint(rec[0], 10, 64)
	if err != nil {
		return smp, err
	}
	t, err := strconv.ParseFloat(rec[1], 64)
	if err != nil {
		return smp, err
	}
	smp.Tick = tick
	smp.Time = t
	smp.Values = make(map[string]float64, len(channels))
	for i, ch := range channels {
		field := rec[2+i]
		if field == Missing {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return smp, fmt.Errorf("channel %s: %w", ch, err)
		}
		smp.Values[ch] = v
	}

	switch rec[len(rec)-2] {
	case statusComplete:
		smp.Complete = true
	case statusPartial:
	default:
		return smp, fmt.Errorf("status %q", rec[len(rec)-2])
	}
	if smp.Late, err = strconv.Atoi(rec[len(rec)-1]); err != nil {
		return smp, err
	}
	return smp, nil
}
