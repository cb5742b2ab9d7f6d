// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linear_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/infer/pkg/ml/mcmc"
	"github.com/gomlx/infer/pkg/ml/models/linear"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticData returns examples of y = 2*x0 - 3*x1 + 1 + noise.
func syntheticData(numExamples int, noise float64) (x [][]float64, y []float64) {
	rng := rand.New(rand.NewPCG(42, 42))
	for range numExamples {
		x0, x1 := rng.NormFloat64(), rng.NormFloat64()
		x = append(x, []float64{x0, x1})
		y = append(y, 2*x0-3*x1+1+noise*rng.NormFloat64())
	}
	return
}

func TestFit(t *testing.T) {
	x, y := syntheticData(200, 0.1)
	r, err := linear.New(x, y, 10)
	require.NoError(t, err)
	_, err = r.Fit()
	require.NoError(t, err)
	weights := r.Weights()
	require.Len(t, weights, 2)
	assert.InDelta(t, 2.0, weights[0], 0.05)
	assert.InDelta(t, -3.0, weights[1], 0.05)
	assert.InDelta(t, 1.0, r.Intercept(), 0.05)

	predictions, err := r.Predict([][]float64{{0, 0}, {1, 1}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, predictions[0], 0.1)
	assert.InDelta(t, 0.0, predictions[1], 0.1)

	_, err = r.Predict([][]float64{{1, 2, 3}})
	require.Error(t, err)
}

func TestFitMAP(t *testing.T) {
	x, y := syntheticData(10, 0.1)
	ml, err := linear.New(x, y, 0.1)
	require.NoError(t, err)
	_, err = ml.Fit()
	require.NoError(t, err)
	mapEstimate, err := linear.New(x, y, 0.1)
	require.NoError(t, err)
	_, err = mapEstimate.FitMAP()
	require.NoError(t, err)

	// A tight prior shrinks the weights towards zero.
	for ii, w := range mapEstimate.Weights() {
		assert.Less(t, math.Abs(w), math.Abs(ml.Weights()[ii]))
	}
}

func TestInvalid(t *testing.T) {
	_, err := linear.New([][]float64{{1}, {2}}, []float64{1}, 1)
	require.Error(t, err)
	_, err = linear.New([][]float64{{1}, {2, 3}}, []float64{1, 2}, 1)
	require.Error(t, err)
	_, err = linear.New([][]float64{{1}}, []float64{1}, 0)
	require.Error(t, err)
}

func TestPosterior(t *testing.T) {
	x, y := syntheticData(50, 0.5)
	r, err := linear.New(x, y, 10)
	require.NoError(t, err)
	_, err = r.FitMAP()
	require.NoError(t, err)

	cfg := mcmc.DefaultConfig()
	cfg.Random = rand.New(rand.NewPCG(1, 2))
	cfg.ProposalDistribution = mcmc.NewGaussianProposal(0.05)
	mh, err := mcmc.New(cfg)
	require.NoError(t, err)
	gen, err := mh.GeneratePosteriorSamples(r.Model(), r.Model().LatentVariables())
	require.NoError(t, err)
	posterior, err := gen.DropCount(1_000).WithProgress(nil).Generate(11_000)
	require.NoError(t, err)
	weights := posterior.GetNode(r.WeightsNode()).Mean()
	assert.InDelta(t, 2.0, weights.At(0, 0), 0.3)
	assert.InDelta(t, -3.0, weights.At(1, 0), 0.3)
	assert.InDelta(t, 1.0, posterior.GetNode(r.InterceptNode()).Mean().Scalar(), 0.3)
}
