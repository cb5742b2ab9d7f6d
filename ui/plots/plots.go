// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots draws samples of a posterior: trace and autocorrelation plots as SVG (using
// [Margaid](https://github.com/erkkah/margaid/)), and histograms as PNG (using gonum/plot).
package plots

import (
	"fmt"
	"io"
	"os"
	"slices"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Size of the plots, in pixels for SVG plots and in points for PNG plots.
type Size struct {
	Width, Height int
}

// DefaultSize of the plots.
var DefaultSize = Size{Width: 1024, Height: 400}

// series returns one Margaid series per element of the variable, with the values of ys(element), and a series
// with all the points, used for the axes.
func series(vs *samples.VariableSamples, ys func(indices []int) []float64) (allSeries []*mg.Series, allPoints *mg.Series) {
	allPoints = mg.NewSeries()
	for _, indices := range elementIndices(vs) {
		name := vs.Name()
		if len(indices) > 0 {
			name = fmt.Sprintf("%s%v", name, indices)
		}
		s := mg.NewSeries(mg.Titled(name))
		for step, value := range ys(indices) {
			point := mg.MakeValue(float64(step), value)
			s.Add(point)
			allPoints.Add(point)
		}
		allSeries = append(allSeries, s)
	}
	return
}

// elementIndices returns the indices of each element of the variable, in row-major order.
func elementIndices(vs *samples.VariableSamples) [][]int {
	var all [][]int
	for _, indices := range vs.Shape().Iter() {
		all = append(all, slices.Clone(indices))
	}
	return all
}

// render draws the series as lines and writes the SVG to w.
func render(w io.Writer, size Size, title, xLabel, yLabel string, allSeries []*mg.Series, allPoints *mg.Series) error {
	if len(allSeries) == 0 {
		return errors.New("nothing to plot")
	}
	diagram := mg.New(size.Width, size.Height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingStrokeWidth(1))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, xLabel)
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, yLabel)
	diagram.Frame()
	diagram.Title(title)
	if len(allSeries) > 1 {
		diagram.Legend(mg.BottomLeft)
	}
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render plot %q", title)
	}
	return nil
}

// TraceSVG writes the SVG plot of the values of each element of the variable along the samples.
func TraceSVG(w io.Writer, vs *samples.VariableSamples, size Size) error {
	allSeries, allPoints := series(vs, func(indices []int) []float64 { return vs.ScalarValues(indices...) })
	return render(w, size, fmt.Sprintf("Trace of %s", vs.Name()), "Sample", vs.Name(), allSeries, allPoints)
}

// AutocorrelationSVG writes the SVG plot of the autocorrelation of each element of the variable, up to
// maxLag (or all lags if maxLag <= 0).
func AutocorrelationSVG(w io.Writer, vs *samples.VariableSamples, maxLag int, size Size) error {
	allSeries, allPoints := series(vs, func(indices []int) []float64 {
		acf := vs.Autocorrelation(indices...)
		if maxLag > 0 && maxLag < len(acf) {
			acf = acf[:maxLag+1]
		}
		return acf
	})
	return render(w, size, fmt.Sprintf("Autocorrelation of %s", vs.Name()), "Lag", "Autocorrelation", allSeries, allPoints)
}

// HistogramPNG writes a PNG histogram of the values of one element of the variable (given by its indices),
// normalized as a density.
func HistogramPNG(w io.Writer, vs *samples.VariableSamples, bins int, size Size, indices ...int) error {
	values := plotter.Values(vs.ScalarValues(indices...))
	if len(values) == 0 {
		return errors.Errorf("no samples of %s to plot", vs.Name())
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Posterior of %s%v", vs.Name(), indices)
	p.X.Label.Text = vs.Name()
	p.Y.Label.Text = "Density"
	hist, err := plotter.NewHist(values, bins)
	if err != nil {
		return errors.Wrapf(err, "failed to build histogram of %s", vs.Name())
	}
	hist.Normalize(1)
	p.Add(hist)
	writerTo, err := p.WriterTo(vg.Length(size.Width), vg.Length(size.Height), "png")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = writerTo.WriteTo(w)
	return errors.WithStack(err)
}

// SaveFile creates the file at path, and calls draw to write its contents.
func SaveFile(path string, draw func(w io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close plot file %q", path)
		}
	}()
	if err = draw(f); err != nil {
		return err
	}
	klog.V(1).Infof("plot saved to %q", path)
	return nil
}
