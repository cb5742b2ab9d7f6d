// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers finds point estimates of the latent variables of a model.ProbabilisticModel: the
// maximum a posteriori (MAP), which maximizes the joint log-probability, or the maximum likelihood (ML), which
// maximizes only the log-probability of the observed variables.
//
// There are two optimizers:
//
//   - GradientOptimizer: uses the reverse-mode gradient of the objective, with one of the KnownGradientMethods.
//   - NonGradientOptimizer: derivative-free, with a SearchAlgorithm (TrustRegion by default, or NelderMead),
//     for models with non-differentiable nodes.
//
// Both refuse to start from an impossible state, and report every fitness evaluation to the handlers
// registered with AddFitnessCalculationHandler. ForModel picks one of them for a model.
//
// After a successful optimization the model is left at the optimum found.
package optimizers

import (
	"math"
	"slices"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrMissingModel is returned when an optimizer is created without a model.
	ErrMissingModel = errors.New("optimizers: no model to optimize")

	// ErrImpossibleStart is returned when the optimization starts from a state with zero probability.
	ErrImpossibleStart = errors.New("optimizers: cannot start optimizing from an impossible state")

	// ErrNotDifferentiable is returned by NewGradient if the log-probability of the model depends on the
	// latent variables through nodes without derivatives.
	ErrNotDifferentiable = errors.New("optimizers: model is not differentiable with respect to its latent variables")
)

// Optimizer finds the latent values that maximize an objective of a model.
type Optimizer interface {
	// MaxAPosteriori maximizes the joint log-probability of the model.
	MaxAPosteriori() (*OptimizedResult, error)

	// MaxLikelihood maximizes the log-likelihood, the log-probability of the observed variables only.
	MaxLikelihood() (*OptimizedResult, error)

	// AddFitnessCalculationHandler registers a handler called after each evaluation of the objective.
	AddFitnessCalculationHandler(handler FitnessCalculationHandler) HandlerId

	// RemoveFitnessCalculationHandler unregisters a handler. It returns false if it was not registered.
	RemoveFitnessCalculationHandler(id HandlerId) bool
}

// OptimizedResult is the best point found by an optimizer.
type OptimizedResult struct {
	// Fitness is the value of the objective at the optimum: a log-probability or log-likelihood.
	Fitness float64

	// Values of the latent variables at the optimum.
	Values model.Assignment

	// Evaluations is the number of times the objective was evaluated.
	Evaluations int
}

// FitnessCalculationHandler is called with the point (the flattened latent values, in topological order) and
// the fitness of each evaluation. It must not change either.
type FitnessCalculationHandler func(point []float64, fitness float64)

// HandlerId identifies a registered FitnessCalculationHandler.
type HandlerId int

type registeredHandler struct {
	id      HandlerId
	handler FitnessCalculationHandler
}

// handlers is the list of registered fitness handlers, called in registration order.
type handlers struct {
	nextId HandlerId
	list   []registeredHandler
}

// AddFitnessCalculationHandler implements Optimizer.
func (h *handlers) AddFitnessCalculationHandler(handler FitnessCalculationHandler) HandlerId {
	id := h.nextId
	h.nextId++
	h.list = append(h.list, registeredHandler{id: id, handler: handler})
	return id
}

// RemoveFitnessCalculationHandler implements Optimizer.
func (h *handlers) RemoveFitnessCalculationHandler(id HandlerId) bool {
	n := len(h.list)
	h.list = slices.DeleteFunc(h.list, func(r registeredHandler) bool { return r.id == id })
	return len(h.list) != n
}

func (h *handlers) notify(point []float64, fitness float64) {
	for _, r := range h.list {
		r.handler(point, fitness)
	}
}

// FitnessFunction evaluates an objective of a model at points given as the flattened values of its latent
// variables.
type FitnessFunction struct {
	model          model.ProbabilisticModel
	latents        []*graph.Node
	likelihoodOnly bool
	handlers       *handlers
	evaluations    int
}

func newFitnessFunction(m model.ProbabilisticModel, latents []*graph.Node, likelihoodOnly bool, h *handlers) *FitnessFunction {
	return &FitnessFunction{model: m, latents: latents, likelihoodOnly: likelihoodOnly, handlers: h}
}

// Dimensions is the length of the points: the total number of elements of the latent variables.
func (f *FitnessFunction) Dimensions() int { return model.NumDimensions(f.latents) }

// Evaluations returns the number of calls to Fitness so far.
func (f *FitnessFunction) Evaluations() int { return f.evaluations }

// Point returns the current values of the latent variables, flattened.
func (f *FitnessFunction) Point() []float64 {
	point := make([]float64, 0, f.Dimensions())
	for _, latent := range f.latents {
		point = append(point, latent.Value().Flat()...)
	}
	return point
}

// Assignment converts a point to the values of the latent variables.
func (f *FitnessFunction) Assignment(point []float64) model.Assignment {
	if len(point) != f.Dimensions() {
		panic(errors.Errorf("point of length %d given to a fitness function of %d dimensions",
			len(point), f.Dimensions()))
	}
	assignment := make(model.Assignment, len(f.latents))
	var pos int
	for _, latent := range f.latents {
		size := latent.Shape().Size()
		assignment[latent.Reference()] = tensors.FromShapeAndFlat(latent.Shape(), point[pos:pos+size])
		pos += size
	}
	return assignment
}

// Fitness sets the model at the point and returns the objective. Impossible (or NaN) values are returned
// as math.Inf(-1).
func (f *FitnessFunction) Fitness(point []float64) float64 {
	assignment := f.Assignment(point)
	var fitness float64
	var err error
	if f.likelihoodOnly {
		fitness, err = f.model.LogLikelihoodOf(assignment)
	} else {
		fitness, err = f.model.LogProbOf(assignment)
	}
	if err != nil {
		panic(errors.WithMessage(err, "evaluating fitness"))
	}
	if math.IsNaN(fitness) {
		fitness = math.Inf(-1)
	}
	f.evaluations++
	if f.handlers != nil {
		f.handlers.notify(point, fitness)
	}
	return fitness
}

// Gradient sets the model at the point and writes the gradient of the objective into dst. The model must
// implement model.ProbabilisticModelWithGradient.
func (f *FitnessFunction) Gradient(dst, point []float64) {
	m := f.model.(model.ProbabilisticModelWithGradient)
	if err := setAssignment(m, f.Assignment(point)); err != nil {
		panic(errors.WithMessage(err, "evaluating gradient"))
	}
	var gradient model.Assignment
	if f.likelihoodOnly {
		gradient = m.LogLikelihoodGradient()
	} else {
		gradient = m.LogProbGradient()
	}
	var pos int
	for _, latent := range f.latents {
		size := latent.Shape().Size()
		if g := gradient[latent.Reference()]; g != nil {
			copy(dst[pos:pos+size], g.Flat())
		} else {
			clear(dst[pos : pos+size])
		}
		pos += size
	}
}

// setAssignment sets the values in the model, discarding the log-probability.
func setAssignment(m model.ProbabilisticModel, assignment model.Assignment) error {
	_, err := m.LogProbOf(assignment)
	return err
}

// checkStart makes sure the model is in a possible state and the objective is possible at the starting point.
// It returns the fitness of the start, which takes one evaluation.
func checkStart(f *FitnessFunction, start []float64) (float64, error) {
	if logProb := f.model.LogProb(); graph.IsImpossibleLogProb(logProb) {
		return 0, errors.Wrapf(ErrImpossibleStart, "log-probability of the starting point is %g", logProb)
	}
	fitness := f.Fitness(start)
	if graph.IsImpossibleLogProb(fitness) {
		return 0, errors.Wrapf(ErrImpossibleStart, "fitness of the starting point is %g", fitness)
	}
	return fitness, nil
}

// finish leaves the model at the best point and builds the result.
func finish(f *FitnessFunction, best []float64, fitness float64) (*OptimizedResult, error) {
	assignment := f.Assignment(best)
	if err := setAssignment(f.model, assignment); err != nil {
		return nil, err
	}
	return &OptimizedResult{Fitness: fitness, Values: assignment, Evaluations: f.evaluations}, nil
}

// ForModel returns a GradientOptimizer with default configuration if the model supports gradients and all
// its latent variables are differentiable, and a NonGradientOptimizer otherwise.
func ForModel(m model.ProbabilisticModel) (Optimizer, error) {
	if m == nil {
		return nil, ErrMissingModel
	}
	if mg, ok := m.(model.ProbabilisticModelWithGradient); ok &&
		len(graph.NonDifferentiableNodes(m.LatentVariables()...)) == 0 {
		cfg := DefaultGradientConfig()
		cfg.Model = mg
		return NewGradient(cfg)
	}
	klog.V(1).Infof("optimizers: model is not differentiable, using a non-gradient optimizer")
	cfg := DefaultNonGradientConfig()
	cfg.Model = m
	return NewNonGradient(cfg)
}
