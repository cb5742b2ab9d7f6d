// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/graph/graphtest"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBayesNet(t *testing.T) {
	g, a, b, c := graphtest.SumOfGaussians()
	net := model.New(g)
	assert.Equal(t, []*graph.Node{a, b}, net.LatentVariables())
	assert.Equal(t, []*graph.Node{c}, net.ObservedVariables())
	assert.Equal(t, []*graph.Node{a, b, c}, net.LatentOrObservedVariables())
	assert.Equal(t, []*graph.Node{a, b, c}, net.Sort([]*graph.Node{c, b, a}))
	assert.Equal(t, b, net.NodeByLabel("B"))
	assert.Equal(t, 2, model.NumDimensions(net.LatentVariables()))

	assert.Equal(t, g.LogProb(), net.LogProb())
	assert.Equal(t, g.LogLikelihood(), net.LogLikelihood())

	lp, err := net.LogLikelihoodOf(model.Assignment{
		a.Reference(): tensors.FromScalar(21.5),
		b.Reference(): tensors.FromScalar(21.5),
	})
	require.NoError(t, err)
	assert.InDelta(t, -0.5*math.Log(2*math.Pi), lp, 1e-12) // C is exactly at its mean.

	grad := net.LogProbGradient()
	assert.InDelta(t, -1.5, grad[a.Reference()].Scalar(), 1e-12)
	grad = net.LogLikelihoodGradient()
	assert.InDelta(t, 0.0, grad[b.Reference()].Scalar(), 1e-12)
}

func TestProbeForNonZeroProbability(t *testing.T) {
	g := graph.NewGraph("probe")
	u := graph.Uniform(graph.Scalar(g, 0), graph.Scalar(g, 10))
	x := graph.Gaussian(u, graph.Scalar(g, 1))
	y := graph.Uniform(graph.Scalar(g, 0), x)
	require.NoError(t, y.Observe(1.0))
	net := model.New(g)
	rng := rand.New(rand.NewPCG(1, 2))

	// The initial state is possible: nothing changes.
	require.NoError(t, net.ProbeForNonZeroProbability(10, rng))
	assert.Equal(t, 5.0, x.Value().Scalar())

	// x < 1 makes y impossible.
	require.NoError(t, x.SetAndCascade(0.5))
	require.True(t, graph.IsImpossibleLogProb(net.LogProb()))
	require.NoError(t, net.ProbeForNonZeroProbability(100, rng))
	assert.False(t, graph.IsImpossibleLogProb(net.LogProb()))
	assert.Greater(t, x.Value().Scalar(), 1.0)

	// An observation that is never possible.
	g2 := graph.NewGraph("never")
	z := graph.Exponential(graph.Scalar(g2, 1))
	require.NoError(t, z.Observe(-1.0))
	err := model.New(g2).ProbeForNonZeroProbability(3, rng)
	require.ErrorIs(t, err, model.ErrNoNonZeroProbability)
}
