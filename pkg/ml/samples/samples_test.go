// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samples_test

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSamples records n samples of a scalar "x" = i and a vector "v" = [i, -i].
func buildSamples(t *testing.T, n int) (*samples.NetworkSamples, *graph.Node, *graph.Node) {
	g := graph.NewGraph("samples")
	x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1)).SetLabel("x")
	v := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1), 2)
	b := samples.NewBuilder([]*graph.Node{x, v, x})
	for ii := range n {
		f := float64(ii)
		b.Record(map[graph.VariableReference]*tensors.Tensor{
			x.Reference(): tensors.FromScalar(f),
			v.Reference(): tensors.FromValue([]float64{f, -f}),
		})
	}
	require.Equal(t, n, b.Size())
	return b.Build(), x, v
}

func TestNetworkSamples(t *testing.T) {
	ns, x, v := buildSamples(t, 10)
	require.Equal(t, 10, ns.Size())
	require.Len(t, ns.Variables(), 2, "duplicate variables are sampled once")

	xs := ns.GetNode(x)
	require.NotNil(t, xs)
	assert.Equal(t, "x", xs.Name())
	assert.Equal(t, 10, xs.Len())
	assert.Equal(t, 4.5, xs.Mean().Scalar())
	assert.Equal(t, []float64{4.5, -4.5}, ns.Get(v.Reference()).Mean().Value())
	assert.Equal(t, xs, ns.ByName("x"))
	assert.Equal(t, ns.Get(v.Reference()), ns.ByName(v.Reference().String()))
	assert.InDelta(t, 55.0/6.0, xs.Variance().Scalar(), 1e-12)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, xs.ScalarValues())
	assert.Equal(t, []float64{0, -1, -2, -3, -4, -5, -6, -7, -8, -9}, ns.GetNode(v).ScalarValues(1))

	dropped := ns.Drop(4)
	assert.Equal(t, 6, dropped.Size())
	assert.Equal(t, []float64{4, 5, 6, 7, 8, 9}, dropped.GetNode(x).ScalarValues())
	assert.Equal(t, 10, ns.Size(), "original samples are unchanged")

	down := ns.DownSample(3)
	assert.Equal(t, 4, down.Size())
	assert.Equal(t, []float64{0, 3, 6, 9}, down.GetNode(x).ScalarValues())
	assert.Equal(t, []float64{0, -3, -6, -9}, down.GetNode(v).ScalarValues(1))
	require.Panics(t, func() { ns.DownSample(0) })

	p, err := ns.Probability(func(sample map[graph.VariableReference]*tensors.Tensor) bool {
		return sample[x.Reference()].Scalar() >= 7
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, p, 1e-12)

	_, err = ns.Drop(100).Probability(func(map[graph.VariableReference]*tensors.Tensor) bool { return true })
	require.Error(t, err)
}

// directAutocorrelation is the reference O(n^2) autocorrelation.
func directAutocorrelation(series []float64) []float64 {
	n := len(series)
	var mean float64
	for _, x := range series {
		mean += x
	}
	mean /= float64(n)
	acf := make([]float64, n)
	for lag := range n {
		for ii := 0; ii+lag < n; ii++ {
			acf[lag] += (series[ii] - mean) * (series[ii+lag] - mean)
		}
	}
	norm := acf[0]
	for lag := range acf {
		acf[lag] /= norm
	}
	return acf
}

func TestAutocorrelation(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	series := make([]float64, 57)
	for ii := range series {
		series[ii] = rng.NormFloat64()
		if ii > 0 {
			series[ii] += 0.8 * series[ii-1]
		}
	}
	want := directAutocorrelation(series)
	got := samples.Autocorrelation(series)
	require.Len(t, got, len(series))
	assert.InDelta(t, 1.0, got[0], 1e-12)
	assert.InDeltaSlice(t, want, got, 1e-9)
	assert.Greater(t, got[1], 0.5, "AR(1) series is strongly correlated at lag 1")

	alternating := []float64{1, -1, 1, -1, 1, -1, 1, -1}
	got = samples.Autocorrelation(alternating)
	assert.InDeltaSlice(t, directAutocorrelation(alternating), got, 1e-9)
	assert.Less(t, got[1], 0.0)

	for _, v := range samples.Autocorrelation([]float64{2, 2, 2}) {
		assert.True(t, math.IsNaN(v))
	}
	assert.Nil(t, samples.Autocorrelation(nil))

	ns, x, v := buildSamples(t, 12)
	assert.InDelta(t, want[0], ns.GetNode(x).AutocorrelationAtLag(0), 1e-12)
	perDim := ns.GetNode(v).AutocorrelationPerDimension()
	assert.Equal(t, []int{12, 2}, perDim.Shape().Dimensions)
	lin := directAutocorrelation(ns.GetNode(v).ScalarValues(0))
	assert.InDelta(t, lin[3], perDim.At(3, 0), 1e-9)
	assert.InDelta(t, lin[3], perDim.At(3, 1), 1e-9, "negating the series doesn't change its autocorrelation")
	assert.InDelta(t, lin[2], ns.GetNode(x).AutocorrelationAtLag(2), 1e-9)
}

func TestWriteCSV(t *testing.T) {
	ns, x, v := buildSamples(t, 3)
	df := ns.ToDataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, 3, df.Nrow())
	assert.Equal(t, []string{"x", v.Reference().String() + "[0]", v.Reference().String() + "[1]"}, df.Names())
	assert.Equal(t, []string{"x"}, ns.GetNode(x).ColumnNames())

	var buf bytes.Buffer
	require.NoError(t, ns.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "x,"+v.Reference().String()+"[0],"+v.Reference().String()+"[1]", lines[0])
	assert.True(t, strings.HasPrefix(lines[3], "2"), "last row starts with x=2: %q", lines[3])
	assert.Contains(t, lines[3], ",-2")
}
