// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// DistributionDefinition holds the rules of a probabilistic node type. The inputs of a probabilistic node
// are the parameters of its distribution, and params holds their current values.
type DistributionDefinition struct {
	// LogProb returns the log-density of value, summed over all its elements. It returns math.Inf(-1) for
	// values outside the support or invalid parameters.
	LogProb func(value *tensors.Tensor, params []*tensors.Tensor) float64

	// DLogProb returns the gradient of LogProb with respect to the value and with respect to each parameter
	// (each with the shape of the corresponding parameter).
	DLogProb func(value *tensors.Tensor, params []*tensors.Tensor) (dValue *tensors.Tensor, dParams []*tensors.Tensor)

	// Sample draws a value of the given shape using the random number generator rng.
	Sample func(shape shapes.Shape, params []*tensors.Tensor, rng *rand.Rand) *tensors.Tensor

	// Init returns a deterministic value inside the support (e.g. the mean), used as the initial value
	// of new nodes.
	Init func(shape shapes.Shape, params []*tensors.Tensor) *tensors.Tensor
}

// DistributionRegistration maps each probabilistic node type to its distribution. The table is closed:
// every probabilistic NodeType has exactly one entry.
var DistributionRegistration = map[NodeType]DistributionDefinition{
	NodeTypeGaussian: elementWiseDistribution{
		logProb: func(x float64, p []float64) float64 {
			if p[1] <= 0 {
				return math.Inf(-1)
			}
			return distuv.Normal{Mu: p[0], Sigma: p[1]}.LogProb(x)
		},
		dLogProb: func(x float64, p, dp []float64) float64 {
			mu, sigma := p[0], p[1]
			diff := x - mu
			variance := sigma * sigma
			dp[0] = diff / variance
			dp[1] = diff*diff/(variance*sigma) - 1/sigma
			return -diff / variance
		},
		sample: func(p []float64, src rand.Source) float64 {
			return distuv.Normal{Mu: p[0], Sigma: p[1], Src: src}.Rand()
		},
		init: func(p []float64) float64 { return p[0] },
	}.definition(),

	NodeTypeUniform: elementWiseDistribution{
		logProb: func(x float64, p []float64) float64 {
			if p[1] <= p[0] {
				return math.Inf(-1)
			}
			return distuv.Uniform{Min: p[0], Max: p[1]}.LogProb(x)
		},
		dLogProb: func(x float64, p, dp []float64) float64 {
			width := p[1] - p[0]
			dp[0] = 1 / width
			dp[1] = -1 / width
			return 0
		},
		sample: func(p []float64, src rand.Source) float64 {
			return distuv.Uniform{Min: p[0], Max: p[1], Src: src}.Rand()
		},
		init: func(p []float64) float64 { return (p[0] + p[1]) / 2 },
	}.definition(),

	NodeTypeExponential: elementWiseDistribution{
		logProb: func(x float64, p []float64) float64 {
			if p[0] <= 0 {
				return math.Inf(-1)
			}
			return distuv.Exponential{Rate: p[0]}.LogProb(x)
		},
		dLogProb: func(x float64, p, dp []float64) float64 {
			rate := p[0]
			dp[0] = 1/rate - x
			return -rate
		},
		sample: func(p []float64, src rand.Source) float64 {
			return distuv.Exponential{Rate: p[0], Src: src}.Rand()
		},
		init: func(p []float64) float64 { return 1 / p[0] },
	}.definition(),

	NodeTypeGamma: elementWiseDistribution{
		logProb: func(x float64, p []float64) float64 {
			if p[0] <= 0 || p[1] <= 0 || x <= 0 {
				return math.Inf(-1)
			}
			return distuv.Gamma{Alpha: p[0], Beta: p[1]}.LogProb(x)
		},
		dLogProb: func(x float64, p, dp []float64) float64 {
			alpha, beta := p[0], p[1]
			dp[0] = math.Log(beta) - mathext.Digamma(alpha) + math.Log(x)
			dp[1] = alpha/beta - x
			return (alpha-1)/x - beta
		},
		sample: func(p []float64, src rand.Source) float64 {
			return distuv.Gamma{Alpha: p[0], Beta: p[1], Src: src}.Rand()
		},
		init: func(p []float64) float64 { return p[0] / p[1] },
	}.definition(),

	NodeTypeMultivariateGaussian: multivariateGaussianDefinition,
}

// distributionDefinition returns the rules for a probabilistic node type, and panics if there is none.
func distributionDefinition(nodeType NodeType) DistributionDefinition {
	def, found := DistributionRegistration[nodeType]
	if !found {
		exceptions.Panicf("no distribution registered for node type %s", nodeType)
	}
	return def
}

// elementWiseDistribution defines a distribution of independent elements, where each parameter is either
// of the shape of the value or a scalar (broadcast).
type elementWiseDistribution struct {
	logProb func(x float64, p []float64) float64

	// dLogProb returns d(logProb)/dx and stores d(logProb)/dp[i] in dp[i].
	dLogProb func(x float64, p, dp []float64) float64
	sample   func(p []float64, src rand.Source) float64
	init     func(p []float64) float64
}

func (d elementWiseDistribution) definition() DistributionDefinition {
	return DistributionDefinition{
		LogProb:  d.logProbFn,
		DLogProb: d.dLogProbFn,
		Sample:   d.sampleFn,
		Init:     d.initFn,
	}
}

// forEach calls fn for each element of the given shape, with the values of the broadcast parameters.
func forEach(shape shapes.Shape, params []*tensors.Tensor, fn func(idx int, p []float64) bool) {
	p := make([]float64, len(params))
	flats := make([][]float64, len(params))
	for ii, param := range params {
		flats[ii] = param.Flat()
	}
	for idx := range shape.Size() {
		for ii, flat := range flats {
			if len(flat) == 1 {
				p[ii] = flat[0]
			} else {
				p[ii] = flat[idx]
			}
		}
		if !fn(idx, p) {
			return
		}
	}
}

func (d elementWiseDistribution) logProbFn(value *tensors.Tensor, params []*tensors.Tensor) float64 {
	x := value.Flat()
	var sum float64
	forEach(value.Shape(), params, func(idx int, p []float64) bool {
		lp := d.logProb(x[idx], p)
		if math.IsNaN(lp) || math.IsInf(lp, -1) {
			sum = math.Inf(-1)
			return false
		}
		sum += lp
		return true
	})
	return sum
}

func (d elementWiseDistribution) dLogProbFn(value *tensors.Tensor, params []*tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor) {
	x := value.Flat()
	dValue := make([]float64, len(x))
	dParams := make([][]float64, len(params))
	for ii, param := range params {
		dParams[ii] = make([]float64, param.Size())
	}
	dp := make([]float64, len(params))
	forEach(value.Shape(), params, func(idx int, p []float64) bool {
		dValue[idx] = d.dLogProb(x[idx], p, dp)
		for ii, grad := range dp {
			if len(dParams[ii]) == 1 {
				dParams[ii][0] += grad
			} else {
				dParams[ii][idx] = grad
			}
		}
		return true
	})
	dParamsT := make([]*tensors.Tensor, len(params))
	for ii, param := range params {
		dParamsT[ii] = tensors.FromShapeAndFlat(param.Shape(), dParams[ii])
	}
	return tensors.FromShapeAndFlat(value.Shape(), dValue), dParamsT
}

func (d elementWiseDistribution) sampleFn(shape shapes.Shape, params []*tensors.Tensor, rng *rand.Rand) *tensors.Tensor {
	flat := make([]float64, shape.Size())
	forEach(shape, params, func(idx int, p []float64) bool {
		flat[idx] = d.sample(p, rng)
		return true
	})
	return tensors.FromShapeAndFlat(shape, flat)
}

func (d elementWiseDistribution) initFn(shape shapes.Shape, params []*tensors.Tensor) *tensors.Tensor {
	flat := make([]float64, shape.Size())
	forEach(shape, params, func(idx int, p []float64) bool {
		flat[idx] = d.init(p)
		return true
	})
	return tensors.FromShapeAndFlat(shape, flat)
}

// newProbabilistic creates a probabilistic node with the given distribution parameters as inputs. If
// dimensions are given they define the shape of the node, and each parameter must be of that shape or
// of size 1. Otherwise, the shape is the broadcast of the shapes of the parameters.
func newProbabilistic(nodeType NodeType, dimensions []int, params ...*Node) *Node {
	g := validateBuildingGraphFromInputs(params...)
	var shape shapes.Shape
	if len(dimensions) > 0 {
		shape = shapes.Make(dimensions...)
		for _, param := range params {
			_ = tensors.BroadcastShapes(param.shape, shape)
			if param.shape.Size() != 1 && !param.shape.Equal(shape) {
				exceptions.Panicf("%s parameter %s has shape %s, incompatible with node shape %s",
					nodeType, param, param.shape, shape)
			}
		}
	} else {
		shape = params[0].shape
		for _, param := range params[1:] {
			shape = tensors.BroadcastShapes(shape, param.shape)
		}
	}
	def := distributionDefinition(nodeType)
	values := make([]*tensors.Tensor, len(params))
	for ii, param := range params {
		values[ii] = param.value
	}
	return g.newNode(nodeType, def.Init(shape, values), params...)
}

// Gaussian creates a random variable with a normal distribution of mean mu and standard deviation sigma.
// See newProbabilistic for the optional dimensions.
func Gaussian(mu, sigma *Node, dimensions ...int) *Node {
	return newProbabilistic(NodeTypeGaussian, dimensions, mu, sigma)
}

// Uniform creates a random variable uniformly distributed in [lower, upper].
func Uniform(lower, upper *Node, dimensions ...int) *Node {
	return newProbabilistic(NodeTypeUniform, dimensions, lower, upper)
}

// Exponential creates a random variable with an exponential distribution with the given rate.
func Exponential(rate *Node, dimensions ...int) *Node {
	return newProbabilistic(NodeTypeExponential, dimensions, rate)
}

// Gamma creates a random variable with a gamma distribution of shape alpha and rate beta.
func Gamma(alpha, beta *Node, dimensions ...int) *Node {
	return newProbabilistic(NodeTypeGamma, dimensions, alpha, beta)
}

// distribution returns the rules of a probabilistic node, and panics for deterministic nodes.
func (n *Node) distribution() DistributionDefinition {
	if !n.IsProbabilistic() {
		exceptions.Panicf("node %s is not probabilistic", n)
	}
	return distributionDefinition(n.nodeType)
}

// LogProb returns the log-density of the current value of a probabilistic node, given the current values
// of its parameters. It returns math.Inf(-1) if the value is impossible.
//
// It panics for deterministic nodes.
func (n *Node) LogProb() float64 {
	return n.distribution().LogProb(n.value, n.inputValues())
}

// LogProbAt returns the log-density a probabilistic node would have with the given value, given the current
// values of its parameters. The node's value is not changed.
func (n *Node) LogProbAt(value *tensors.Tensor) float64 {
	if !value.Shape().Equal(n.shape) {
		exceptions.Panicf("LogProbAt(%s) given value of shape %s", n, value.Shape())
	}
	return n.distribution().LogProb(value, n.inputValues())
}

// DLogProb returns the gradient of Node.LogProb with respect to the node's value and to each of its
// parameters (inputs).
func (n *Node) DLogProb() (dValue *tensors.Tensor, dParams []*tensors.Tensor) {
	return n.distribution().DLogProb(n.value, n.inputValues())
}

// Sample draws a new value from the distribution of a probabilistic node, given the current values of its
// parameters. It doesn't change the node's value.
func (n *Node) Sample(rng *rand.Rand) *tensors.Tensor {
	return n.distribution().Sample(n.shape, n.inputValues(), rng)
}
