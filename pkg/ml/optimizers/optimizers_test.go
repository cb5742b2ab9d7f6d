// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers_test

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/graph/graphtest"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/gomlx/infer/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfiguration(t *testing.T) {
	_, err := optimizers.NewGradient(optimizers.GradientConfig{})
	require.ErrorIs(t, err, optimizers.ErrMissingModel)
	_, err = optimizers.NewNonGradient(optimizers.NonGradientConfig{})
	require.ErrorIs(t, err, optimizers.ErrMissingModel)
	_, err = optimizers.ForModel(nil)
	require.ErrorIs(t, err, optimizers.ErrMissingModel)

	g, _, _, _ := graphtest.SumOfGaussians()
	net := model.New(g)
	_, err = optimizers.NewGradient(optimizers.GradientConfig{Model: net, Method: "newton"})
	require.ErrorContains(t, err, "conjugate-gradient")

	o, err := optimizers.NewGradient(optimizers.GradientConfig{Model: net})
	require.NoError(t, err)
	assert.Equal(t, optimizers.DefaultGradientMethod, o.Config().Method)

	ngo, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: net})
	require.NoError(t, err)
	cfg := ngo.Config()
	assert.Equal(t, 10.0, cfg.InitialTrustRegionRadius)
	assert.Equal(t, 1e-8, cfg.StoppingTrustRegionRadius)
	assert.True(t, math.IsInf(cfg.BoundsRange, 1))
	assert.IsType(t, optimizers.TrustRegion{}, cfg.Algorithm)

	_, err = optimizers.NewNonGradient(optimizers.NonGradientConfig{
		Model: net, InitialTrustRegionRadius: 1e-9, StoppingTrustRegionRadius: 1e-3})
	require.Error(t, err)
}

func TestNotDifferentiable(t *testing.T) {
	g := graph.NewGraph("apply")
	x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1))
	clipped := graph.Apply(func(inputs []*tensors.Tensor) *tensors.Tensor {
		return tensors.FromScalar(max(inputs[0].Scalar(), 0))
	}, x)
	y := graph.Gaussian(clipped, graph.Scalar(g, 1))
	require.NoError(t, y.Observe(2.0))
	net := model.New(g)

	_, err := optimizers.NewGradient(optimizers.GradientConfig{Model: net})
	require.ErrorIs(t, err, optimizers.ErrNotDifferentiable)

	o, err := optimizers.ForModel(net)
	require.NoError(t, err)
	require.IsType(t, &optimizers.NonGradientOptimizer{}, o)
	result, err := o.MaxAPosteriori()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Values[x.Reference()].Scalar(), 1e-4)
}

func TestGradientOptimizer(t *testing.T) {
	for _, method := range slices.Sorted(maps.Keys(optimizers.KnownGradientMethods)) {
		t.Run(method, func(t *testing.T) {
			delta := 1e-3
			if method == "adam" {
				delta = 0.05
			}
			g, a, b, _ := graphtest.SumOfGaussians()
			require.NoError(t, a.SetAndCascade(15.0))
			o, err := optimizers.NewGradient(optimizers.GradientConfig{Model: model.New(g), Method: method})
			require.NoError(t, err)

			// The maximum of -(a-20)²/2 - (b-20)²/2 - (a+b-43)²/2 is at a = b = 21.
			result, err := o.MaxAPosteriori()
			require.NoError(t, err)
			assert.InDelta(t, 21.0, result.Values[a.Reference()].Scalar(), delta)
			assert.InDelta(t, 21.0, result.Values[b.Reference()].Scalar(), delta)
			assert.InDelta(t, 21.0, a.Value().Scalar(), delta, "model left at the optimum")
			assert.InDelta(t, g.LogProb(), result.Fitness, 1e-9)

			result, err = o.MaxLikelihood()
			require.NoError(t, err)
			assert.InDelta(t, 43.0, result.Values[a.Reference()].Scalar()+result.Values[b.Reference()].Scalar(), delta)
			assert.InDelta(t, g.LogLikelihood(), result.Fitness, 1e-9)
		})
	}
}

func TestNonGradientOptimizer(t *testing.T) {
	for _, algorithm := range []optimizers.SearchAlgorithm{optimizers.TrustRegion{}, optimizers.NelderMead{}} {
		t.Run(fmt.Sprintf("%T", algorithm), func(t *testing.T) {
			g, a, b, _ := graphtest.SumOfGaussians()
			o, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: model.New(g), Algorithm: algorithm})
			require.NoError(t, err)
			result, err := o.MaxAPosteriori()
			require.NoError(t, err)
			assert.InDelta(t, 21.0, result.Values[a.Reference()].Scalar(), 1e-3)
			assert.InDelta(t, 21.0, result.Values[b.Reference()].Scalar(), 1e-3)
			assert.LessOrEqual(t, result.Evaluations, o.Config().MaxEvaluations)
		})
	}
}

// standardGaussian returns a model with a single X ~ N(0, 1), starting at 2.
func standardGaussian(t *testing.T) (*model.BayesNet, *graph.Node) {
	g := graph.NewGraph("gaussian")
	x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1))
	require.NoError(t, x.SetAndCascade(2.0))
	return model.New(g), x
}

func TestTrustRegion(t *testing.T) {
	net, x := standardGaussian(t)
	o, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: net})
	require.NoError(t, err)
	var points [][]float64
	o.AddFitnessCalculationHandler(func(point []float64, _ float64) { points = append(points, slices.Clone(point)) })
	result, err := o.MaxAPosteriori()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, result.Values[x.Reference()].Scalar(), 1e-6)
	assert.InDelta(t, -0.5*math.Log(2*math.Pi), result.Fitness, 1e-9)
	require.Len(t, points, result.Evaluations)

	// The start is evaluated once, followed by the 2n other interpolation points at the initial radius.
	require.Greater(t, len(points), optimizers.NumInterpolationPoints(1))
	assert.Equal(t, []float64{2}, points[0])
	assert.Equal(t, []float64{12}, points[1])
	assert.Equal(t, []float64{-8}, points[2])
	assert.NotContains(t, points[1:], []float64{2}, "start evaluated again")
}

func TestBounds(t *testing.T) {
	net, x := standardGaussian(t)
	o, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{
		Model:  net,
		Bounds: optimizers.NewBounds().Add(x, 1, 3),
	})
	require.NoError(t, err)
	result, err := o.MaxAPosteriori()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Values[x.Reference()].Scalar(), 1e-6)

	require.NoError(t, x.SetAndCascade(2.0))
	o, err = optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: net, BoundsRange: 0.5})
	require.NoError(t, err)
	result, err = o.MaxAPosteriori()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, result.Values[x.Reference()].Scalar(), 1e-6)

	require.NoError(t, x.SetAndCascade(5.0))
	o, err = optimizers.NewNonGradient(optimizers.NonGradientConfig{
		Model:  net,
		Bounds: optimizers.NewBounds().Add(x, 1, 3),
	})
	require.NoError(t, err)
	_, err = o.MaxAPosteriori()
	require.ErrorContains(t, err, "out of bounds")
}

func TestImpossibleStart(t *testing.T) {
	g := graph.NewGraph("impossible")
	u := graph.Uniform(graph.Scalar(g, 0), graph.Scalar(g, 1))
	y := graph.Gaussian(u, graph.Scalar(g, 1))
	require.NoError(t, y.Observe(0.5))
	require.NoError(t, u.SetAndCascade(2.0))
	net := model.New(g)

	var evaluations int
	o1, err := optimizers.NewGradient(optimizers.GradientConfig{Model: net})
	require.NoError(t, err)
	o2, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: net})
	require.NoError(t, err)
	for _, o := range []optimizers.Optimizer{o1, o2} {
		o.AddFitnessCalculationHandler(func([]float64, float64) { evaluations++ })
		_, err = o.MaxAPosteriori()
		require.ErrorIs(t, err, optimizers.ErrImpossibleStart)
		_, err = o.MaxLikelihood()
		require.ErrorIs(t, err, optimizers.ErrImpossibleStart)
	}
	assert.Zero(t, evaluations)
}

func TestFitnessHandlers(t *testing.T) {
	run := func(withHandlers bool) (*optimizers.OptimizedResult, int) {
		g, _, _, _ := graphtest.SumOfGaussians()
		o, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{Model: model.New(g)})
		require.NoError(t, err)
		var calls int
		if withHandlers {
			removed := o.AddFitnessCalculationHandler(func([]float64, float64) { t.Fatal("removed handler called") })
			o.AddFitnessCalculationHandler(func(_ []float64, fitness float64) {
				calls++
				require.False(t, math.IsNaN(fitness))
			})
			require.True(t, o.RemoveFitnessCalculationHandler(removed))
			require.False(t, o.RemoveFitnessCalculationHandler(removed))
		}
		result, err := o.MaxLikelihood()
		require.NoError(t, err)
		return result, calls
	}
	withResult, calls := run(true)
	withoutResult, _ := run(false)
	assert.Equal(t, withResult.Evaluations, calls)
	assert.Equal(t, withoutResult.Evaluations, withResult.Evaluations)
	assert.Equal(t, withoutResult.Fitness, withResult.Fitness)
}

func TestMaxEvaluations(t *testing.T) {
	for _, algorithm := range []optimizers.SearchAlgorithm{optimizers.TrustRegion{}, optimizers.NelderMead{}} {
		for _, maxEvaluations := range []int{1, 2, 12} {
			t.Run(fmt.Sprintf("%T/%d", algorithm, maxEvaluations), func(t *testing.T) {
				g, a, _, _ := graphtest.SumOfGaussians()
				startA := a.Value().Scalar()
				startLogProb := g.LogProb()
				o, err := optimizers.NewNonGradient(optimizers.NonGradientConfig{
					Model: model.New(g), Algorithm: algorithm, MaxEvaluations: maxEvaluations})
				require.NoError(t, err)
				result, err := o.MaxAPosteriori()
				require.NoError(t, err)
				assert.LessOrEqual(t, result.Evaluations, maxEvaluations)
				assert.GreaterOrEqual(t, result.Fitness, startLogProb-1e-9)
				if maxEvaluations == 1 {
					// Only the start could be evaluated.
					assert.Equal(t, 1, result.Evaluations)
					assert.Equal(t, startA, result.Values[a.Reference()].Scalar())
					assert.InDelta(t, startLogProb, result.Fitness, 1e-9)
				}
			})
		}
	}

	for _, method := range slices.Sorted(maps.Keys(optimizers.KnownGradientMethods)) {
		t.Run(method, func(t *testing.T) {
			g, _, _, _ := graphtest.SumOfGaussians()
			startLogProb := g.LogProb()
			o, err := optimizers.NewGradient(optimizers.GradientConfig{Model: model.New(g), Method: method, MaxEvaluations: 1})
			require.NoError(t, err)
			result, err := o.MaxAPosteriori()
			require.NoError(t, err)
			assert.Equal(t, 1, result.Evaluations)
			assert.InDelta(t, startLogProb, result.Fitness, 1e-9)
		})
	}
}

func TestMultivariateGaussianMaxLikelihood(t *testing.T) {
	g := graph.NewGraph("multivariate")
	mu := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 10), 2)
	y := graph.MultivariateGaussian(mu, graph.Const(g, [][]float64{{2, 0.5}, {0.5, 1}}))
	require.NoError(t, y.Observe([]float64{1, -1}))
	o, err := optimizers.NewGradient(optimizers.GradientConfig{Model: model.New(g)})
	require.NoError(t, err)
	result, err := o.MaxLikelihood()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, -1}, result.Values[mu.Reference()].Flat(), 1e-4)
}
