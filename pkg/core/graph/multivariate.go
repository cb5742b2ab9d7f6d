// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// MultivariateGaussian creates a random vector of shape [k] with a joint normal distribution of mean mu,
// of shape [k], and covariance, of shape [k, k].
//
// The covariance is taken as (C + Cᵀ)/2, and it must be positive definite: otherwise the log-probability
// of any value is math.Inf(-1).
func MultivariateGaussian(mu, covariance *Node) *Node {
	g := validateBuildingGraphFromInputs(mu, covariance)
	if mu.Rank() != 1 {
		exceptions.Panicf("MultivariateGaussian mean %s must be a vector, got shape %s", mu, mu.shape)
	}
	k := mu.shape.Dim(0)
	if err := covariance.shape.CheckDims(k, k); err != nil {
		exceptions.Panicf("MultivariateGaussian covariance %s for a mean of shape %s: %v", covariance, mu.shape, err)
	}
	def := distributionDefinition(NodeTypeMultivariateGaussian)
	return g.newNode(NodeTypeMultivariateGaussian, def.Init(mu.shape, []*tensors.Tensor{mu.value, covariance.value}),
		mu, covariance)
}

var multivariateGaussianDefinition = DistributionDefinition{
	LogProb: func(value *tensors.Tensor, params []*tensors.Tensor) float64 {
		normal, ok := multivariateNormal(params, nil)
		if !ok {
			return math.Inf(-1)
		}
		return normal.LogProb(value.Flat())
	},
	DLogProb: multivariateGaussianDLogProb,
	Sample: func(shape shapes.Shape, params []*tensors.Tensor, rng *rand.Rand) *tensors.Tensor {
		normal, ok := multivariateNormal(params, rng)
		if !ok {
			exceptions.Panicf("MultivariateGaussian covariance is not positive definite: %s", params[1])
		}
		return tensors.FromShapeAndFlat(shape, normal.Rand(nil))
	},
	Init: func(_ shapes.Shape, params []*tensors.Tensor) *tensors.Tensor {
		return params[0].Clone()
	},
}

// symmetricCovariance returns (C + Cᵀ)/2.
func symmetricCovariance(covariance *tensors.Tensor) *mat.SymDense {
	k := covariance.Shape().Dim(0)
	c := covariance.Flat()
	sym := mat.NewSymDense(k, nil)
	for i := range k {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, (c[i*k+j]+c[j*k+i])/2)
		}
	}
	return sym
}

func multivariateNormal(params []*tensors.Tensor, src rand.Source) (*distmv.Normal, bool) {
	return distmv.NewNormal(params[0].Flat(), symmetricCovariance(params[1]), src)
}

// multivariateGaussianDLogProb returns, with d = x - μ and α = Σ⁻¹d:
//
//	∂/∂x = -α, ∂/∂μ = α, ∂/∂C = ½(ααᵀ - Σ⁻¹).
//
// All derivatives are zero if the covariance is not positive definite.
func multivariateGaussianDLogProb(value *tensors.Tensor, params []*tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor) {
	k := value.Size()
	dValue := tensors.FromShape(value.Shape())
	dMu := tensors.FromShape(params[0].Shape())
	dCovariance := tensors.FromShape(params[1].Shape())
	var chol mat.Cholesky
	if !chol.Factorize(symmetricCovariance(params[1])) {
		return dValue, []*tensors.Tensor{dMu, dCovariance}
	}
	diff := mat.NewVecDense(k, nil)
	diff.SubVec(mat.NewVecDense(k, value.Flat()), mat.NewVecDense(k, params[0].Flat()))
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, diff); err != nil {
		return dValue, []*tensors.Tensor{dMu, dCovariance}
	}
	var inverse mat.SymDense
	if err := chol.InverseTo(&inverse); err != nil {
		return dValue, []*tensors.Tensor{dMu, dCovariance}
	}
	dv, dm, dc := dValue.Flat(), dMu.Flat(), dCovariance.Flat()
	for i := range k {
		dv[i] = -alpha.AtVec(i)
		dm[i] = alpha.AtVec(i)
		for j := range k {
			dc[i*k+j] = (alpha.AtVec(i)*alpha.AtVec(j) - inverse.At(i, j)) / 2
		}
	}
	return dValue, []*tensors.Tensor{dMu, dCovariance}
}
