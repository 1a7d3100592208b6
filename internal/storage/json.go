package storage

import (
	"encoding/json"
	"io"
	"os"

	"github.com/san-kum/simcap/internal/capture"
)

type ExportData struct {
	Run    *RunMetadata `json:"run,omitempty"`
	Series []SeriesData `json:"series"`
}

type SeriesData struct {
	ID       string       `json:"id"`
	Channels []string     `json:"channels"`
	Samples  []SampleData `json:"samples"`
}

// SampleData carries only present values; an absent channel has no key.
type SampleData struct {
	Tick   uint64             `json:"tick"`
	Time   float64            `json:"time"`
	Values map[string]float64 `json:"values"`
	Status string             `json:"status"`
	Late   int                `json:"late,omitempty"`
}

func newExportData(meta *RunMetadata, series []*capture.Series) ExportData {
	data := ExportData{Run: meta, Series: make([]SeriesData, 0, len(series))}
	for _, s := range series {
		sd := SeriesData{ID: s.ID, Channels: s.Channels, Samples: make([]SampleData, len(s.Samples))}
		for i, smp := range s.Samples {
			status := statusPartial
			if smp.Complete {
				status = statusComplete
			}
			sd.Samples[i] = SampleData{Tick: smp.Tick, Time: smp.Time, Values: smp.Values, Status: status, Late: smp.Late}
		}
		data.Series = append(data.Series, sd)
	}
	return data
}

func ExportJSON(w io.Writer, meta *RunMetadata, series ...*capture.Series) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(newExportData(meta, series))
}

func ExportJSONFile(path string, meta *RunMetadata, series ...*capture.Series) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ExportJSON(file, meta, series...); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
