// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samples

import (
	"math"
	"math/cmplx"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reference of the sampled variable.
func (vs *VariableSamples) Reference() graph.VariableReference { return vs.ref }

// Name is the label of the variable, or "#<id>" if it has none.
func (vs *VariableSamples) Name() string { return vs.name }

// Shape of each sampled value.
func (vs *VariableSamples) Shape() shapes.Shape { return vs.shape }

// Len returns the number of samples.
func (vs *VariableSamples) Len() int { return len(vs.values) }

// AsList returns the sampled values in sampling order. The returned slice must not be modified.
func (vs *VariableSamples) AsList() []*tensors.Tensor { return vs.values }

// ScalarValues returns the sequence of values of one element of the variable, selected by its indices (none
// for a scalar variable).
func (vs *VariableSamples) ScalarValues(indices ...int) []float64 {
	series := make([]float64, len(vs.values))
	for ii, value := range vs.values {
		series[ii] = value.At(indices...)
	}
	return series
}

// elementSeries returns the sequences of values of each element of the variable, in row-major order.
func (vs *VariableSamples) elementSeries() [][]float64 {
	size := vs.shape.Size()
	series := make([][]float64, size)
	for elem := range size {
		series[elem] = make([]float64, len(vs.values))
	}
	for ii, value := range vs.values {
		for elem, x := range value.Flat() {
			series[elem][ii] = x
		}
	}
	return series
}

// Mean returns the element-wise mean of the samples. It panics if there are no samples.
func (vs *VariableSamples) Mean() *tensors.Tensor {
	if len(vs.values) == 0 {
		exceptions.Panicf("no samples of %s to take the mean of", vs.name)
	}
	series := vs.elementSeries()
	flat := make([]float64, len(series))
	for elem, s := range series {
		flat[elem] = stat.Mean(s, nil)
	}
	return tensors.FromShapeAndFlat(vs.shape, flat)
}

// Variance returns the element-wise unbiased sample variance. It panics if there are less than 2 samples.
func (vs *VariableSamples) Variance() *tensors.Tensor {
	if len(vs.values) < 2 {
		exceptions.Panicf("need at least 2 samples of %s for the variance, got %d", vs.name, len(vs.values))
	}
	series := vs.elementSeries()
	flat := make([]float64, len(series))
	for elem, s := range series {
		flat[elem] = stat.Variance(s, nil)
	}
	return tensors.FromShapeAndFlat(vs.shape, flat)
}

// Autocorrelation returns the autocorrelation of the sequence of values of one element (selected by its
// indices, none for a scalar variable), for lags 0 to Len()-1. It is normalized so that lag 0 is 1.
//
// A constant sequence has an undefined autocorrelation, and all lags are NaN.
func (vs *VariableSamples) Autocorrelation(indices ...int) []float64 {
	return Autocorrelation(vs.ScalarValues(indices...))
}

// AutocorrelationAtLag returns the autocorrelation of one element at the given lag.
func (vs *VariableSamples) AutocorrelationAtLag(lag int, indices ...int) float64 {
	if lag < 0 || lag >= len(vs.values) {
		exceptions.Panicf("lag %d out of range for %d samples of %s", lag, len(vs.values), vs.name)
	}
	return vs.Autocorrelation(indices...)[lag]
}

// AutocorrelationPerDimension returns the autocorrelation of every element of the variable, as a tensor of
// shape [Len(), <variable dimensions>...].
func (vs *VariableSamples) AutocorrelationPerDimension() *tensors.Tensor {
	n := len(vs.values)
	series := vs.elementSeries()
	size := len(series)
	flat := make([]float64, n*size)
	for elem, s := range series {
		acf := Autocorrelation(s)
		for lag, v := range acf {
			flat[lag*size+elem] = v
		}
	}
	dims := append([]int{n}, vs.shape.Dimensions...)
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// Autocorrelation returns the normalized autocorrelation of the series for lags 0 to len(series)-1, computed
// with a zero-padded FFT.
func Autocorrelation(series []float64) []float64 {
	n := len(series)
	if n == 0 {
		return nil
	}
	if floats.Max(series) == floats.Min(series) {
		acf := make([]float64, n)
		for ii := range acf {
			acf[ii] = math.NaN()
		}
		return acf
	}
	centered := make([]float64, 2*n)
	copy(centered, series)
	floats.AddConst(-stat.Mean(series, nil), centered[:n])

	fft := fourier.NewFFT(2 * n)
	coeffs := fft.Coefficients(nil, centered)
	for ii, c := range coeffs {
		coeffs[ii] = complex(real(c*cmplx.Conj(c)), 0)
	}
	acf := fft.Sequence(nil, coeffs)[:n]
	floats.Scale(1/acf[0], acf)
	return acf
}
