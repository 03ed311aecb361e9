// Package diagnostics turns the processed-version reports collected from
// workers at shutdown into a summary and charts.
package diagnostics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/worker"
)

var logs = monitoring.NewStreams("diagnostics")

// echartsAssetsPrefix loads the echarts script from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Coverage describes how much of the frame stream one worker processed.
type Coverage struct {
	Worker    string
	Processed int
	First     uint64
	Last      uint64
	// Missed counts versions between First and Last the worker never took.
	Missed uint64
	Fault  string
}

// Summarise returns per-worker coverage, sorted by worker name.
func Summarise(reports []worker.Report) []Coverage {
	out := make([]Coverage, 0, len(reports))
	for _, r := range reports {
		c := Coverage{Worker: r.Worker, Processed: len(r.Processed), Fault: r.Fault}
		if n := len(r.Processed); n > 0 {
			c.First = r.Processed[0]
			c.Last = r.Processed[n-1]
			if span := c.Last - c.First + 1; span > uint64(n) {
				c.Missed = span - uint64(n)
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func sorted(reports []worker.Report) []worker.Report {
	out := append([]worker.Report(nil), reports...)
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

// RenderScatter writes an HTML scatter of processed frame versions, one row
// per worker.
func RenderScatter(w io.Writer, title string, reports []worker.Report) error {
	reports = sorted(reports)
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Worker
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Processed frames", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Processed frame versions", Subtitle: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame version", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: names}),
	)
	for i, r := range reports {
		data := make([]opts.ScatterData, 0, len(r.Processed))
		for _, v := range r.Processed {
			data = append(data, opts.ScatterData{Value: []interface{}{v, i}})
		}
		scatter.AddSeries(r.Worker, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return fmt.Errorf("render scatter: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// CumulativePlot builds a line plot of processed frame counts against frame
// version, one line per worker.
func CumulativePlot(title string, reports []worker.Report) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame version"
	p.Y.Label.Text = "Frames processed"

	for i, r := range sorted(reports) {
		if len(r.Processed) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(r.Processed))
		for j, v := range r.Processed {
			pts[j] = plotter.XY{X: float64(v), Y: float64(j + 1)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(r.Worker, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10
	return p, nil
}

// Write renders both charts for a run into dir and returns the file paths.
func Write(dir, runID string, reports []worker.Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	htmlPath := filepath.Join(dir, runID+"-versions.html")
	f, err := os.Create(htmlPath)
	if err != nil {
		return nil, err
	}
	if err := RenderScatter(f, "run "+runID, reports); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	pngPath := filepath.Join(dir, runID+"-cumulative.png")
	p, err := CumulativePlot("Cumulative processed frames, run "+runID, reports)
	if err != nil {
		return []string{htmlPath}, err
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, pngPath); err != nil {
		return []string{htmlPath}, fmt.Errorf("save plot: %w", err)
	}

	for _, c := range Summarise(reports) {
		logs.Diagf("%s: %d frames (%d..%d), %d missed", c.Worker, c.Processed, c.First, c.Last, c.Missed)
	}
	return []string{htmlPath, pngPath}, nil
}
