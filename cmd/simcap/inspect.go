package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/simcap/internal/analysis"
	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/charts"
	"github.com/san-kum/simcap/internal/config"
	"github.com/san-kum/simcap/internal/storage"
)

func openRun(ref string) (*storage.Store, *storage.RunMetadata, error) {
	st := storage.New(resolveDataDir())
	id, err := st.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	meta, err := st.Load(id)
	if err != nil {
		return nil, nil, err
	}
	return st, meta, nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(resolveDataDir())
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRESET\tMODE\tTIME\tTICKS\tDT\tSERIES\tSINK\tSTATUS")

	for _, run := range runs {
		status := "ok"
		if run.Truncated {
			status = "truncated"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.3fs\t%d\t%s\t%s\n",
			run.ID,
			run.Preset,
			run.Mode,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Ticks,
			run.Dt,
			len(run.Series),
			run.Sink,
			status,
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st, meta, err := openRun(args[0])
	if err != nil {
		return err
	}
	ids := meta.SeriesIDs()
	if len(args) > 1 {
		ids = []string{args[1]}
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("preset: %s (%s)\n\n", meta.Preset, meta.Mode)

	for _, id := range ids {
		s, err := st.LoadSeries(meta.ID, id)
		if err != nil {
			return err
		}
		if pngOut {
			if err := renderPNG(st.Dir(meta.ID), s); err != nil {
				return err
			}
			continue
		}
		for _, ch := range s.Channels {
			_, vals := s.Present(ch)
			if len(vals) < 2 {
				fmt.Printf("%s %s: not enough samples\n\n", id, ch)
				continue
			}
			graph := asciigraph.Plot(vals,
				asciigraph.Height(10),
				asciigraph.Width(80),
				asciigraph.Caption(fmt.Sprintf("%s %s (%d/%d present)", id, ch, len(vals), s.Len())),
			)
			fmt.Println(graph)
			fmt.Println()
		}
	}
	return nil
}

// renderPNG writes the time series chart of s, plus a trajectory for
// position and GNSS series, next to the run data.
func renderPNG(dir string, s *capture.Series) error {
	base := filepath.Join(dir, strings.ReplaceAll(s.ID, "/", "_"))
	if err := charts.TimeSeries(base+"_series.png", s); err != nil {
		return err
	}
	fmt.Printf("saved %s_series.png\n", base)
	if (s.HasChannel("x") && s.HasChannel("y")) || (s.HasChannel("longitude") && s.HasChannel("latitude")) {
		if err := charts.Trajectory(base+"_trajectory.png", s); err != nil {
			return err
		}
		fmt.Printf("saved %s_trajectory.png\n", base)
	}
	return nil
}

func output() (io.Writer, func() error, error) {
	if outFile == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(outFile)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func exportCSV(cmd *cobra.Command, args []string) error {
	st, meta, err := openRun(args[0])
	if err != nil {
		return err
	}
	s, err := st.LoadSeries(meta.ID, args[1])
	if err != nil {
		return err
	}
	w, closeFn, err := output()
	if err != nil {
		return err
	}
	if err := storage.WriteCSV(w, s); err != nil {
		closeFn()
		return err
	}
	if err := closeFn(); err != nil {
		return err
	}
	if outFile != "" {
		fmt.Printf("exported %d samples to %s\n", s.Len(), outFile)
	}
	return nil
}

func exportJSON(cmd *cobra.Command, args []string) error {
	st, meta, err := openRun(args[0])
	if err != nil {
		return err
	}
	var series []*capture.Series
	for _, id := range meta.SeriesIDs() {
		s, err := st.LoadSeries(meta.ID, id)
		if err != nil {
			return err
		}
		series = append(series, s)
	}
	w, closeFn, err := output()
	if err != nil {
		return err
	}
	if err := storage.ExportJSON(w, meta, series...); err != nil {
		closeFn()
		return err
	}
	return closeFn()
}

func analyzeRun(cmd *cobra.Command, args []string) error {
	st, meta, err := openRun(args[0])
	if err != nil {
		return err
	}
	s, err := st.LoadSeries(meta.ID, args[1])
	if err != nil {
		return err
	}

	fmt.Printf("analysis: %s %s\n", meta.ID, s.ID)
	fmt.Printf("samples: %d  partial: %d  late writes: %d\n\n", s.Len(), s.Partial(), s.Late())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tCOUNT\tMISSING\tMEAN\tSTD\tMIN\tMAX\tPEAK HZ")
	spectra := make(map[string]analysis.Spectral)
	for _, cs := range analysis.Summarize(s) {
		peak := "-"
		if sp, err := analysis.Spectrum(s, cs.Channel); err == nil {
			spectra[cs.Channel] = sp
			peak = fmt.Sprintf("%.3f", sp.Peak())
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			cs.Channel, cs.Count, cs.Missing, cs.Mean, cs.Std, cs.Min, cs.Max, peak)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(s.Channels) > 0 {
		if sp, ok := spectra[s.Channels[0]]; ok && len(sp.Power) > 4 {
			fmt.Println()
			graph := asciigraph.Plot(sp.Power[:len(sp.Power)/2],
				asciigraph.Height(12),
				asciigraph.Width(80),
				asciigraph.Caption(fmt.Sprintf("power spectrum (%s)", sp.Channel)),
			)
			fmt.Println(graph)
		}
	}

	if pngOut && len(spectra) > 0 {
		name := filepath.Join(st.Dir(meta.ID), strings.ReplaceAll(s.ID, "/", "_")+"_spectrum.png")
		if err := charts.Spectrum(name, s.ID, spectra); err != nil {
			return err
		}
		fmt.Printf("\nsaved %s\n", name)
	}
	return nil
}

func compareRuns(cmd *cobra.Command, args []string) error {
	st, a, err := openRun(args[0])
	if err != nil {
		return err
	}
	_, b, err := openRun(args[1])
	if err != nil {
		return err
	}

	shared := make(map[string]bool)
	for _, id := range b.SeriesIDs() {
		shared[id] = true
	}

	fmt.Printf("compare: %s (%s) vs %s (%s)\n\n", a.ID, a.Mode, b.ID, b.Mode)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIES\tCHANNEL\tDISTANCE")
	found := false
	for _, id := range a.SeriesIDs() {
		if !shared[id] {
			continue
		}
		sa, err := st.LoadSeries(a.ID, id)
		if err != nil {
			return err
		}
		sb, err := st.LoadSeries(b.ID, id)
		if err != nil {
			return err
		}
		dists, err := analysis.CompareSpectra(sa, sb)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\n", id, err)
			continue
		}
		for _, d := range dists {
			fmt.Fprintf(w, "%s\t%s\t%.4f\n", id, d.Channel, d.Distance)
			found = true
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !found {
		return analysis.ErrNoSharedSeries
	}
	return nil
}

func listPresets(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRESET\tMODE\tDT\tDURATION\tAGENTS\tSENSORS")
	for _, name := range config.ListPresets() {
		cfg := config.GetPreset(name)
		var sensors []string
		seen := make(map[string]bool)
		for _, a := range cfg.Agents {
			for _, s := range a.Sensors {
				if !seen[s] {
					seen[s] = true
					sensors = append(sensors, s)
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%.3fs\t%.0fs\t%d\t%s\n",
			name, cfg.Mode, cfg.Dt, cfg.Duration, len(cfg.Agents), strings.Join(sensors, ","))
	}
	return w.Flush()
}
