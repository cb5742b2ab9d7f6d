// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots_test

import (
	"bytes"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/gomlx/infer/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomWalk returns 100 samples of a 2-element variable.
func randomWalk() (*samples.NetworkSamples, *graph.Node) {
	g := graph.NewGraph("walk")
	x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1), 2).SetLabel("x")
	rng := rand.New(rand.NewPCG(3, 3))
	builder := samples.NewBuilder([]*graph.Node{x})
	for range 100 {
		if err := x.SampleValue(rng); err != nil {
			panic(err)
		}
		builder.Record(graph.Snapshot([]*graph.Node{x}))
	}
	return builder.Build(), x
}

func TestSVG(t *testing.T) {
	ns, x := randomWalk()
	var buf bytes.Buffer
	require.NoError(t, plots.TraceSVG(&buf, ns.GetNode(x), plots.DefaultSize))
	assert.Contains(t, buf.String(), "<svg")
	assert.Contains(t, buf.String(), "Trace of x")

	buf.Reset()
	require.NoError(t, plots.AutocorrelationSVG(&buf, ns.GetNode(x), 20, plots.DefaultSize))
	assert.Contains(t, buf.String(), "<svg")
}

func TestHistogramPNG(t *testing.T) {
	ns, x := randomWalk()
	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, plots.SaveFile(path, func(w io.Writer) error {
		return plots.HistogramPNG(w, ns.GetNode(x), 10, plots.DefaultSize, 1)
	}))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), contents[:4])
}
