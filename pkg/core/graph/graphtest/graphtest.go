// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package: numerical
// derivatives to check the autodiff rules, and small canonical models.
package graphtest

import (
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// DefaultEpsilon is the step used by the numerical derivatives.
const DefaultEpsilon = 1e-6

// perturb calls fn with the value of wrt perturbed at element idx by delta, and restores the value afterwards.
func perturb(t testing.TB, wrt *graph.Node, idx int, delta float64, fn func()) {
	original := wrt.Value()
	flat := original.CopyFlat()
	flat[idx] += delta
	require.NoError(t, wrt.SetAndCascade(tensors.FromShapeAndFlat(wrt.Shape(), flat)))
	fn()
	require.NoError(t, wrt.SetAndCascade(original))
}

// NumericalDerivative returns the derivative of the value of node of with respect to the value of
// wrt, using central differences. The result has shape concat(of, wrt).
func NumericalDerivative(t testing.TB, of, wrt *graph.Node, epsilon float64) *tensors.Tensor {
	ofSize, wrtSize := of.Shape().Size(), wrt.Shape().Size()
	flat := make([]float64, ofSize*wrtSize)
	for j := range wrtSize {
		var plus, minus []float64
		perturb(t, wrt, j, epsilon, func() { plus = of.Value().CopyFlat() })
		perturb(t, wrt, j, -epsilon, func() { minus = of.Value().CopyFlat() })
		for i := range ofSize {
			flat[i*wrtSize+j] = (plus[i] - minus[i]) / (2 * epsilon)
		}
	}
	return tensors.FromShapeAndFlat(shapes.ConcatenateDimensions(of.Shape(), wrt.Shape()), flat)
}

// NumericalLogProbGradient returns the gradient of the joint log-probability (or the log-likelihood) with
// respect to the value of the latent node, using central differences.
func NumericalLogProbGradient(t testing.TB, latent *graph.Node, likelihoodOnly bool, epsilon float64) *tensors.Tensor {
	g := latent.Graph()
	objective := g.LogProb
	if likelihoodOnly {
		objective = g.LogLikelihood
	}
	size := latent.Shape().Size()
	flat := make([]float64, size)
	for j := range size {
		var plus, minus float64
		perturb(t, latent, j, epsilon, func() { plus = objective() })
		perturb(t, latent, j, -epsilon, func() { minus = objective() })
		flat[j] = (plus - minus) / (2 * epsilon)
	}
	return tensors.FromShapeAndFlat(latent.Shape(), flat)
}

// RequireInDelta checks that the tensors have the same shape and values within delta.
func RequireInDelta(t testing.TB, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.Truef(t, want.InDelta(got, delta), "want %s, got %s (delta=%g)", want, got, delta)
}

// SumOfGaussians builds the model A ~ N(20, 1), B ~ N(20, 1), C ~ N(A + B, 1), with C observed as 43.
// A and B are labeled "A" and "B".
func SumOfGaussians() (g *graph.Graph, a, b, c *graph.Node) {
	g = graph.NewGraph("sum_of_gaussians")
	a = graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1)).SetLabel("A")
	b = graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1)).SetLabel("B")
	c = graph.Gaussian(graph.Add(a, b), graph.Scalar(g, 1)).SetLabel("C")
	if err := c.Observe(43.0); err != nil {
		panic(err)
	}
	return
}
