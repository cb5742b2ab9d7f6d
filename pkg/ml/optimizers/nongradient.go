// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NonGradientConfig configures a NonGradientOptimizer. Start from DefaultNonGradientConfig and set Model.
type NonGradientConfig struct {
	// Model to optimize. Required.
	Model model.ProbabilisticModel

	// MaxEvaluations is the maximum number of evaluations of the fitness. Defaults to 100,000.
	MaxEvaluations int

	// BoundsRange limits the search to a box of this half-width around the starting point, in every
	// dimension. Defaults to math.Inf(1).
	BoundsRange float64

	// Bounds are optional bounds per variable, intersected with BoundsRange.
	Bounds *OptimizerBounds

	// InitialTrustRegionRadius defaults to 10.
	InitialTrustRegionRadius float64

	// StoppingTrustRegionRadius defaults to 1e-8. The search stops when the radius shrinks below it.
	StoppingTrustRegionRadius float64

	// Algorithm defaults to TrustRegion.
	Algorithm SearchAlgorithm
}

// DefaultNonGradientConfig returns the default configuration, without the required Model.
func DefaultNonGradientConfig() NonGradientConfig {
	return NonGradientConfig{
		MaxEvaluations:            100_000,
		BoundsRange:               math.Inf(1),
		InitialTrustRegionRadius:  10,
		StoppingTrustRegionRadius: 1e-8,
		Algorithm:                 TrustRegion{},
	}
}

// OptimizerBounds holds per-variable bounds of a NonGradientOptimizer.
type OptimizerBounds struct {
	lower, upper map[graph.VariableReference]*tensors.Tensor
}

// NewBounds creates an empty set of bounds.
func NewBounds() *OptimizerBounds {
	return &OptimizerBounds{
		lower: make(map[graph.VariableReference]*tensors.Tensor),
		upper: make(map[graph.VariableReference]*tensors.Tensor),
	}
}

// Add bounds all the elements of the variable to [lower, upper].
func (b *OptimizerBounds) Add(variable *graph.Node, lower, upper float64) *OptimizerBounds {
	shape := variable.Shape()
	return b.AddTensors(variable,
		tensors.FromScalarAndDimensions(lower, shape.Dimensions...),
		tensors.FromScalarAndDimensions(upper, shape.Dimensions...))
}

// AddTensors bounds each element of the variable by the corresponding elements of lower and upper, which
// must have the variable's shape.
func (b *OptimizerBounds) AddTensors(variable *graph.Node, lower, upper *tensors.Tensor) *OptimizerBounds {
	if !lower.Shape().Equal(variable.Shape()) || !upper.Shape().Equal(variable.Shape()) {
		exceptions.Panicf("bounds of shapes %s and %s given to variable %s", lower.Shape(), upper.Shape(), variable)
	}
	b.lower[variable.Reference()] = lower
	b.upper[variable.Reference()] = upper
	return b
}

// Has returns whether the variable has bounds.
func (b *OptimizerBounds) Has(variable *graph.Node) bool {
	if b == nil {
		return false
	}
	_, found := b.lower[variable.Reference()]
	return found
}

// NonGradientOptimizer maximizes the objective without derivatives, with a SearchAlgorithm.
type NonGradientOptimizer struct {
	handlers
	config  NonGradientConfig
	latents []*graph.Node
}

var _ Optimizer = (*NonGradientOptimizer)(nil)

// NewNonGradient validates the configuration and creates a NonGradientOptimizer. Unset fields get their defaults.
func NewNonGradient(config NonGradientConfig) (*NonGradientOptimizer, error) {
	if config.Model == nil {
		return nil, ErrMissingModel
	}
	defaults := DefaultNonGradientConfig()
	if config.MaxEvaluations == 0 {
		config.MaxEvaluations = defaults.MaxEvaluations
	}
	if config.BoundsRange == 0 {
		config.BoundsRange = defaults.BoundsRange
	}
	if config.InitialTrustRegionRadius == 0 {
		config.InitialTrustRegionRadius = defaults.InitialTrustRegionRadius
	}
	if config.StoppingTrustRegionRadius == 0 {
		config.StoppingTrustRegionRadius = defaults.StoppingTrustRegionRadius
	}
	if config.Algorithm == nil {
		config.Algorithm = defaults.Algorithm
	}
	switch {
	case config.MaxEvaluations < 0:
		return nil, errors.Errorf("optimizers: MaxEvaluations must be > 0, got %d", config.MaxEvaluations)
	case !(config.BoundsRange > 0):
		return nil, errors.Errorf("optimizers: BoundsRange must be > 0, got %g", config.BoundsRange)
	case !(config.StoppingTrustRegionRadius > 0) || config.InitialTrustRegionRadius < config.StoppingTrustRegionRadius:
		return nil, errors.Errorf("optimizers: trust region radius must go from %g down to %g, both > 0",
			config.InitialTrustRegionRadius, config.StoppingTrustRegionRadius)
	}
	latents := config.Model.Sort(config.Model.LatentVariables())
	if len(latents) == 0 {
		return nil, errors.New("optimizers: model has no latent variables to optimize")
	}
	return &NonGradientOptimizer{config: config, latents: latents}, nil
}

// Config returns the configuration, with defaults filled in.
func (o *NonGradientOptimizer) Config() NonGradientConfig { return o.config }

// MaxAPosteriori implements Optimizer.
func (o *NonGradientOptimizer) MaxAPosteriori() (*OptimizedResult, error) { return o.optimize(false) }

// MaxLikelihood implements Optimizer.
func (o *NonGradientOptimizer) MaxLikelihood() (*OptimizedResult, error) { return o.optimize(true) }

// bounds returns the lower and upper bounds of each element of the point.
func (o *NonGradientOptimizer) bounds(start []float64) (lower, upper []float64, err error) {
	lower, upper = make([]float64, len(start)), make([]float64, len(start))
	for ii, x := range start {
		lower[ii], upper[ii] = x-o.config.BoundsRange, x+o.config.BoundsRange
	}
	var pos int
	for _, latent := range o.latents {
		size := latent.Shape().Size()
		if o.config.Bounds.Has(latent) {
			lowerT, upperT := o.config.Bounds.lower[latent.Reference()], o.config.Bounds.upper[latent.Reference()]
			for ii := range size {
				lower[pos+ii] = max(lower[pos+ii], lowerT.Flat()[ii])
				upper[pos+ii] = min(upper[pos+ii], upperT.Flat()[ii])
			}
		}
		pos += size
	}
	for ii, x := range start {
		if !(lower[ii] < upper[ii]) {
			return nil, nil, errors.Errorf("optimizers: empty bounds [%g, %g] for element %d", lower[ii], upper[ii], ii)
		}
		if x < lower[ii] || x > upper[ii] {
			return nil, nil, errors.Errorf("optimizers: starting value %g of element %d out of bounds [%g, %g]",
				x, ii, lower[ii], upper[ii])
		}
	}
	return
}

func (o *NonGradientOptimizer) optimize(likelihoodOnly bool) (result *OptimizedResult, err error) {
	f := newFitnessFunction(o.config.Model, o.latents, likelihoodOnly, &o.handlers)
	start := f.Point()
	lower, upper, err := o.bounds(start)
	if err != nil {
		return nil, err
	}
	startFitness, err := checkStart(f, start)
	if err != nil {
		return nil, err
	}
	remaining := o.config.MaxEvaluations - f.Evaluations()
	if remaining <= 0 {
		klog.V(1).Infof("optimizers: no evaluations left after checking the start, returning it")
		return finish(f, start, startFitness)
	}
	problem := SearchProblem{
		Func:           func(x []float64) float64 { return -f.Fitness(x) },
		Start:          start,
		StartValue:     -startFitness,
		Lower:          lower,
		Upper:          upper,
		InitialRadius:  o.config.InitialTrustRegionRadius,
		StoppingRadius: o.config.StoppingTrustRegionRadius,
		MaxEvaluations: remaining,
	}
	startTime := time.Now()
	if panicErr := exceptions.TryCatch[error](func() {
		var best []float64
		var value float64
		best, value, err = o.config.Algorithm.Minimize(problem)
		if err != nil {
			return
		}
		result, err = finish(f, best, -value)
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "optimizers: %T", o.config.Algorithm)
	}
	klog.V(1).Infof("optimizers: %T found fitness %g in %d evaluations (%s)",
		o.config.Algorithm, result.Fitness, result.Evaluations, time.Since(startTime))
	return result, nil
}
