// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	. "github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/graph/graphtest"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gradientDelta = 1e-5

func TestScalarDerivatives(t *testing.T) {
	// f = a*b + a, at a=3 and b=4.
	g := NewGraph("scalar")
	a := Scalar(g, 3)
	b := Scalar(g, 4)
	f := Add(Mul(a, b), a)
	require.Equal(t, 15.0, f.Value().Scalar())

	fwd := ForwardModeDerivatives(a, f)
	require.Len(t, fwd, 1)
	assert.Equal(t, 5.0, fwd[0].Value().Scalar())
	fwd = ForwardModeDerivatives(b, f)
	assert.Equal(t, 3.0, fwd[0].Value().Scalar())

	rev := ReverseModeDerivatives(f, a, b)
	require.Len(t, rev, 2)
	assert.Equal(t, 5.0, rev[0].Value().Scalar())
	assert.Equal(t, 3.0, rev[1].Value().Scalar())

	// Unrelated nodes get zeros.
	c := Scalar(g, 7)
	rev = ReverseModeDerivatives(f, c)
	assert.Equal(t, 0.0, rev[0].Value().Scalar())
	fwd = ForwardModeDerivatives(c, f)
	assert.Equal(t, 0.0, fwd[0].Value().Scalar())
}

func TestElementWiseDerivatives(t *testing.T) {
	g := NewGraph("element_wise")
	x := Gaussian(Scalar(g, 0), Scalar(g, 1), 3)
	require.NoError(t, x.SetAndCascade([]float64{0.5, -1.2, 2}))
	y := Sub(
		Div(Exp(Sigmoid(x)), Add(Pow(x, 3), Scalar(g, 10))),
		Log(Add(Square(x), Scalar(g, 1))))
	z := ReduceSum(Mul(y, Neg(x)))

	wantY := graphtest.NumericalDerivative(t, y, x, graphtest.DefaultEpsilon)
	wantZ := graphtest.NumericalDerivative(t, z, x, graphtest.DefaultEpsilon)
	require.Equal(t, []int{3, 3}, wantY.Shape().Dimensions)
	require.Equal(t, []int{3}, wantZ.Shape().Dimensions)

	fwd := ForwardModeDerivatives(x, y, z)
	graphtest.RequireInDelta(t, wantY, fwd[0].Value(), gradientDelta)
	graphtest.RequireInDelta(t, wantZ, fwd[1].Value(), gradientDelta)

	revY := ReverseModeDerivatives(y, x)[0]
	assert.True(t, revY.OfShape().Equal(shapes.Make(3)))
	assert.True(t, revY.WrtShape().Equal(shapes.Make(3)))
	graphtest.RequireInDelta(t, wantY, revY.Value(), gradientDelta)
	graphtest.RequireInDelta(t, wantZ, ReverseModeDerivatives(z, x)[0].Value(), gradientDelta)
}

func TestMatMulDerivatives(t *testing.T) {
	g := NewGraph("matmul")
	a := Gaussian(Scalar(g, 0), Scalar(g, 1), 2, 3)
	b := Gaussian(Scalar(g, 0), Scalar(g, 1), 3, 4)
	require.NoError(t, a.SetAndCascade([][]float64{{1, -2, 0.5}, {3, 0.1, -1}}))
	require.NoError(t, b.SetAndCascade([][]float64{{0.2, 1, -1, 2}, {0.7, -0.3, 1.5, 0}, {-2, 0.4, 1, 1}}))
	c := MatMul(a, b)
	ct := Transpose(c)
	loss := ReduceSum(Square(MatMul(ct, Const(g, [][]float64{{1}, {-1}}))))

	for _, wrt := range []*Node{a, b} {
		for _, of := range []*Node{c, ct, loss} {
			want := graphtest.NumericalDerivative(t, of, wrt, graphtest.DefaultEpsilon)
			rev := ReverseModeDerivatives(of, wrt)[0]
			require.True(t, rev.Value().Shape().Equal(want.Shape()), "d%s/d%s", of, wrt)
			graphtest.RequireInDelta(t, want, rev.Value(), gradientDelta)
			fwd := ForwardModeDerivatives(wrt, of)[0]
			graphtest.RequireInDelta(t, want, fwd.Value(), gradientDelta)
		}
	}

	// dC/dA[i,k] = B[k,:] on row i: spot check one exact value.
	rev := ReverseModeDerivatives(c, a)[0]
	assert.Equal(t, []int{2, 4, 2, 3}, rev.Value().Shape().Dimensions)
	assert.Equal(t, -0.3, rev.Value().At(1, 1, 1, 1))
	assert.Equal(t, 0.0, rev.Value().At(0, 1, 1, 1))
}

func TestPartialDerivative(t *testing.T) {
	p := IdentityPartialDerivative(shapes.Make(2))
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, p.Value().Value())
	assert.Equal(t, [][]float64{{2, 0}, {0, 2}}, p.Add(p).Value().Value())
	var nilPartial *PartialDerivative
	assert.Equal(t, p, nilPartial.Add(p))
	assert.Equal(t, []float64{1, 1}, p.SumOverOf(shapes.Scalar()).Value().Value())
	assert.Equal(t, [][]float64{{3, 0}, {0, -1}},
		p.MultiplyAlongWrtDimensions(tensors.FromValue([]float64{3, -1})).Value().Value())
	require.Panics(t, func() { _ = p.Add(ZeroPartialDerivative(shapes.Scalar(), shapes.Make(2))) })
	require.Panics(t, func() { _ = NewPartialDerivative(shapes.Make(2), shapes.Make(3), tensors.FromShape(shapes.Make(2, 2))) })
}

func TestLogProbGradient(t *testing.T) {
	t.Run("SumOfGaussians", func(t *testing.T) {
		_, a, b, _ := graphtest.SumOfGaussians()
		require.NoError(t, a.SetAndCascade(21.5))
		require.NoError(t, b.SetAndCascade(20.3))
		for _, likelihoodOnly := range []bool{false, true} {
			grads := LogProbGradient([]*Node{a, b}, likelihoodOnly)
			require.Len(t, grads, 2)
			for _, latent := range []*Node{a, b} {
				want := graphtest.NumericalLogProbGradient(t, latent, likelihoodOnly, graphtest.DefaultEpsilon)
				graphtest.RequireInDelta(t, want, grads[latent.Reference()], gradientDelta)
			}
		}
		// d/dA of the joint: -(A-20) + (43-A-B) = -1.5 + 1.2
		assert.InDelta(t, -0.3, LogProbGradient([]*Node{a}, false)[a.Reference()].Scalar(), 1e-12)
	})

	t.Run("Regression", func(t *testing.T) {
		g := NewGraph("regression")
		w := Gaussian(Scalar(g, 0), Scalar(g, 1), 3, 1)
		sigma := Exponential(Scalar(g, 1))
		x := Const(g, [][]float64{{1, 0.5, -1}, {0.2, 2, 1}, {-1, 1, 0}, {0.3, 0.3, 0.3}})
		y := Gaussian(MatMul(x, w), sigma)
		require.NoError(t, y.Observe([][]float64{{1}, {2.5}, {-0.5}, {0.2}}))
		require.NoError(t, w.SetAndCascade([][]float64{{0.4}, {1.1}, {-0.2}}))
		require.NoError(t, sigma.SetAndCascade(0.7))

		latents := []*Node{w, sigma}
		grads := LogProbGradient(latents, false)
		for _, latent := range latents {
			want := graphtest.NumericalLogProbGradient(t, latent, false, graphtest.DefaultEpsilon)
			graphtest.RequireInDelta(t, want, grads[latent.Reference()], gradientDelta)
		}
		assert.Equal(t, []int{3, 1}, grads[w.Reference()].Shape().Dimensions)
	})

	t.Run("GammaShape", func(t *testing.T) {
		g := NewGraph("gamma")
		alpha := Exponential(Scalar(g, 1))
		lower := Gaussian(Scalar(g, -1), Scalar(g, 1))
		x := Gamma(alpha, Scalar(g, 2), 2)
		u := Uniform(lower, Scalar(g, 3))
		require.NoError(t, x.Observe([]float64{1.5, 0.3}))
		require.NoError(t, u.Observe(0.5))
		require.NoError(t, alpha.SetAndCascade(1.7))

		latents := []*Node{alpha, lower}
		grads := LogProbGradient(latents, false)
		for _, latent := range latents {
			want := graphtest.NumericalLogProbGradient(t, latent, false, graphtest.DefaultEpsilon)
			graphtest.RequireInDelta(t, want, grads[latent.Reference()], gradientDelta)
		}
	})

	t.Run("Unrelated", func(t *testing.T) {
		g := NewGraph("unrelated")
		a := Gaussian(Scalar(g, 0), Scalar(g, 1))
		b := Gaussian(Scalar(g, 0), Scalar(g, 1))
		require.NoError(t, b.Observe(1.0))
		grads := LogProbGradient([]*Node{a}, true)
		assert.Equal(t, 0.0, grads[a.Reference()].Scalar())
	})
}
