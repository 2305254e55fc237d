package plotting

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/chrisjihee/KLUE-baseline/internal/trainer"
)

// ErrEmptyHistory is returned when there is nothing to draw.
var ErrEmptyHistory = errors.New("empty metric history")

// #region curves
// Curves renders the metric history as a PNG at path: losses on the left,
// task scores on the right, one line per key against the global step.
func Curves(history []trainer.Record, path string) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	series := make(map[string]plotter.XYs)
	for _, r := range history {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		series[r.Key] = append(series[r.Key], plotter.XY{X: float64(r.Step), Y: r.Value})
	}
	var losses, scores []string
	for key := range series {
		if strings.HasSuffix(key, "-loss") {
			losses = append(losses, key)
		} else {
			scores = append(scores, key)
		}
	}
	sort.Strings(losses)
	sort.Strings(scores)

	left, err := newPlot("loss", losses, series)
	if err != nil {
		return err
	}
	right, err := newPlot("score", scores, series)
	if err != nil {
		return err
	}

	img := vgimg.New(12*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadY: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{left, right}}, tiles, dc)
	left.Draw(canvases[0][0])
	right.Draw(canvases[0][1])

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func newPlot(title string, keys []string, series map[string]plotter.XYs) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "global step"
	p.Add(plotter.NewGrid())
	for i, key := range keys {
		line, points, err := plotter.NewLinePoints(series[key])
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", key, err)
		}
		line.Color = plotutil.Color(i)
		points.Color = plotutil.Color(i)
		points.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(key, line, points)
	}
	return p, nil
}

// #endregion curves
