// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultivariateGaussian(t *testing.T) {
	g := NewGraph("multivariate")
	mu := Gaussian(Scalar(g, 0), Scalar(g, 1), 2)
	cov := Const(g, [][]float64{{2, 0.5}, {0.5, 1}})
	x := MultivariateGaussian(mu, cov)
	assert.Equal(t, NodeTypeMultivariateGaussian, x.Type())
	assert.True(t, x.IsLatent())
	assert.Equal(t, []int{2}, x.Shape().Dimensions)
	assert.Equal(t, []float64{0, 0}, x.Value().Flat(), "initialized at the mean")

	// det(Σ) = 1.75 and (x-μ)ᵀΣ⁻¹(x-μ) = 4/1.75 for x = (1, -1).
	require.NoError(t, x.SetAndCascade([]float64{1, -1}))
	want := -math.Log(2*math.Pi) - 0.5*math.Log(1.75) - 0.5*4/1.75
	assert.InDelta(t, want, x.LogProb(), 1e-12)

	require.NoError(t, mu.SetAndCascade([]float64{0.3, -0.2}))
	latents := []*Node{mu, x}
	grads := LogProbGradient(latents, false)
	for _, latent := range latents {
		numerical := graphtest.NumericalLogProbGradient(t, latent, false, graphtest.DefaultEpsilon)
		graphtest.RequireInDelta(t, numerical, grads[latent.Reference()], gradientDelta)
	}

	require.Panics(t, func() { _ = MultivariateGaussian(mu, Const(g, [][]float64{{1}})) })
	require.Panics(t, func() { _ = MultivariateGaussian(Scalar(g, 0), Const(g, [][]float64{{1}})) })
}

func TestMultivariateGaussianCovarianceGradient(t *testing.T) {
	g := NewGraph("covariance")
	scale := Exponential(Scalar(g, 1))
	cov := Add(Const(g, [][]float64{{1, 0.3}, {0.3, 0.5}}), Mul(scale, Const(g, [][]float64{{1, 0}, {0, 1}})))
	x := MultivariateGaussian(Const(g, []float64{1, 2}), cov)
	require.NoError(t, x.Observe([]float64{0.5, 3}))
	require.NoError(t, scale.SetAndCascade(0.8))

	for _, likelihoodOnly := range []bool{false, true} {
		grads := LogProbGradient([]*Node{scale}, likelihoodOnly)
		numerical := graphtest.NumericalLogProbGradient(t, scale, likelihoodOnly, graphtest.DefaultEpsilon)
		graphtest.RequireInDelta(t, numerical, grads[scale.Reference()], gradientDelta)
	}
}

func TestMultivariateGaussianNotPositiveDefinite(t *testing.T) {
	g := NewGraph("indefinite")
	x := MultivariateGaussian(Const(g, []float64{0, 0}), Const(g, [][]float64{{1, 2}, {2, 1}}))
	assert.True(t, math.IsInf(x.LogProb(), -1))
	assert.True(t, IsImpossibleLogProb(g.LogProb()))
	dValue, _ := x.DLogProb()
	assert.Equal(t, []float64{0, 0}, dValue.Flat())
	require.Panics(t, func() { _ = x.Sample(rand.New(rand.NewPCG(0, 0))) })
}

func TestMultivariateGaussianSample(t *testing.T) {
	g := NewGraph("sample")
	x := MultivariateGaussian(Const(g, []float64{1, -2}), Const(g, [][]float64{{2, 0.5}, {0.5, 1}}))
	rng := rand.New(rand.NewPCG(7, 11))
	const n = 20_000
	var sum0, sum1, sumSq0, sumCross float64
	for range n {
		v := x.Sample(rng).Flat()
		sum0 += v[0]
		sum1 += v[1]
		sumSq0 += (v[0] - 1) * (v[0] - 1)
		sumCross += (v[0] - 1) * (v[1] + 2)
	}
	assert.InDelta(t, 1.0, sum0/n, 0.05)
	assert.InDelta(t, -2.0, sum1/n, 0.05)
	assert.InDelta(t, 2.0, sumSq0/n, 0.1)
	assert.InDelta(t, 0.5, sumCross/n, 0.05)
	assert.Equal(t, []float64{1, -2}, x.Value().Flat(), "sampling doesn't change the value")
}
