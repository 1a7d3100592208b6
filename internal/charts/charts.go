// Package charts renders captured series to PNG with gonum/plot.
package charts

import (
	"bufio"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/san-kum/simcap/internal/analysis"
	"github.com/san-kum/simcap/internal/capture"
)

var ErrNoData = errors.New("charts: nothing to plot")

const (
	widthIn  = 8.0
	heightIn = 5.0
	dpi      = 150
)

func newPlot(title, xlabel, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.Title.TextStyle.Font.Size = vg.Points(16)
	p.X.Label.TextStyle.Font.Size = vg.Points(12)
	p.Y.Label.TextStyle.Font.Size = vg.Points(12)
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p
}

func savePNG(p *plot.Plot, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(widthIn)*vg.Inch, vg.Length(heightIn)*vg.Inch),
		vgimg.UseDPI(dpi),
	)
	p.Draw(draw.New(c))

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("cannot create png: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	pngc := vgimg.PngCanvas{Canvas: c}
	if _, err := pngc.WriteTo(bw); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return bw.Flush()
}

// segments splits a channel into runs of consecutive present values, so
// an absent tick breaks the line instead of being drawn as zero.
func segments(s *capture.Series, x func(capture.Sample) (float64, bool), y func(capture.Sample) (float64, bool)) []plotter.XYs {
	var out []plotter.XYs
	var cur plotter.XYs
	for _, smp := range s.Samples {
		xv, xok := x(smp)
		yv, yok := y(smp)
		if !xok || !yok {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: xv, Y: yv})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func addSegments(p *plot.Plot, segs []plotter.XYs, name string, c color.Color) error {
	var legend plot.Thumbnailer
	for _, seg := range segs {
		if len(seg) == 1 {
			sc, err := plotter.NewScatter(seg)
			if err != nil {
				return err
			}
			sc.GlyphStyle.Color = c
			sc.GlyphStyle.Radius = vg.Points(1.5)
			p.Add(sc)
			if legend == nil {
				legend = sc
			}
			continue
		}
		line, err := plotter.NewLine(seg)
		if err != nil {
			return err
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = c
		p.Add(line)
		if legend == nil {
			legend = line
		}
	}
	if legend != nil && name != "" {
		p.Legend.Add(name, legend)
	}
	return nil
}

func timeOf(smp capture.Sample) (float64, bool) { return smp.Time, true }

func channel(ch string) func(capture.Sample) (float64, bool) {
	return func(smp capture.Sample) (float64, bool) { return smp.Value(ch) }
}

// TimeSeries plots the given channels of s against time. With no
// channels it plots all of them.
func TimeSeries(filename string, s *capture.Series, channels ...string) error {
	if len(channels) == 0 {
		channels = s.Channels
	}
	p := newPlot(s.ID, "time (s)", "value")
	drawn := 0
	for i, ch := range channels {
		segs := segments(s, timeOf, channel(ch))
		if len(segs) == 0 {
			continue
		}
		if err := addSegments(p, segs, ch, plotutil.Color(i)); err != nil {
			return err
		}
		drawn++
	}
	if drawn == 0 {
		return fmt.Errorf("%w: %s", ErrNoData, s.ID)
	}
	return savePNG(p, filename)
}

// Trajectory plots y against x of a position series, marking the first
// and last present fix.
func Trajectory(filename string, s *capture.Series) error {
	xCh, yCh := "x", "y"
	if s.HasChannel("longitude") {
		xCh, yCh = "longitude", "latitude"
	}
	segs := segments(s, channel(xCh), channel(yCh))
	if len(segs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoData, s.ID)
	}

	p := newPlot(s.ID, xCh, yCh)
	if err := addSegments(p, segs, "path", plotutil.Color(0)); err != nil {
		return err
	}

	first := segs[0][0]
	lastSeg := segs[len(segs)-1]
	last := lastSeg[len(lastSeg)-1]
	for i, m := range []struct {
		name string
		pt   plotter.XY
	}{{"start", first}, {"end", last}} {
		sc, err := plotter.NewScatter(plotter.XYs{m.pt})
		if err != nil {
			return err
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		sc.GlyphStyle.Color = plotutil.Color(i + 1)
		p.Add(sc)
		p.Legend.Add(m.name, sc)
	}
	return savePNG(p, filename)
}

// Spectrum overlays one or more power spectra.
func Spectrum(filename, title string, spectra map[string]analysis.Spectral) error {
	if len(spectra) == 0 {
		return ErrNoData
	}
	p := newPlot(title, "frequency (Hz)", "power")
	i := 0
	for _, name := range sortedKeys(spectra) {
		sp := spectra[name]
		pts := make(plotter.XYs, len(sp.Freqs))
		for j := range sp.Freqs {
			pts[j] = plotter.XY{X: sp.Freqs[j], Y: sp.Power[j]}
		}
		if err := addSegments(p, []plotter.XYs{pts}, name, plotutil.Color(i)); err != nil {
			return err
		}
		i++
	}
	return savePNG(p, filename)
}
