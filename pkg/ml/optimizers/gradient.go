// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"maps"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"k8s.io/klog/v2"
)

// GradientMethod maximizes a FitnessFunction using its gradient. See KnownGradientMethods.
type GradientMethod interface {
	// Name of the method, as in KnownGradientMethods.
	Name() string

	// maximize runs the ascent from start, whose fitness is already known, using at most budget evaluations
	// of the fitness. It returns the best point found and its fitness.
	maximize(f *FitnessFunction, start []float64, startFitness float64, budget int, cfg *GradientConfig) (
		best []float64, fitness float64, err error)
}

// DefaultGradientMethod is the name of the method used if GradientConfig.Method is empty.
const DefaultGradientMethod = "conjugate-gradient"

// KnownGradientMethods maps the names of the available gradient methods to their constructors.
var KnownGradientMethods = map[string]func() GradientMethod{
	"conjugate-gradient": func() GradientMethod {
		return &gonumMethod{name: "conjugate-gradient", method: func() optimize.Method { return &optimize.CG{} }}
	},
	"lbfgs": func() GradientMethod {
		return &gonumMethod{name: "lbfgs", method: func() optimize.Method { return &optimize.LBFGS{} }}
	},
	"bfgs": func() GradientMethod {
		return &gonumMethod{name: "bfgs", method: func() optimize.Method { return &optimize.BFGS{} }}
	},
	"gradient-ascent": func() GradientMethod {
		return &gonumMethod{name: "gradient-ascent", method: func() optimize.Method { return &optimize.GradientDescent{} }}
	},
	"adam": func() GradientMethod { return NewAdam() },
}

// ByName returns a new instance of the named method, or an error listing the valid names.
func ByName(name string) (GradientMethod, error) {
	builder, found := KnownGradientMethods[name]
	if !found {
		return nil, errors.Errorf("unknown gradient method %q, valid values are %q",
			name, slices.Sorted(maps.Keys(KnownGradientMethods)))
	}
	return builder(), nil
}

// GradientConfig configures a GradientOptimizer. Start from DefaultGradientConfig and set Model.
type GradientConfig struct {
	// Model to optimize. Required.
	Model model.ProbabilisticModelWithGradient

	// Method is the name of one of the KnownGradientMethods. Defaults to DefaultGradientMethod.
	Method string

	// MaxEvaluations is the maximum number of evaluations of the fitness. Defaults to 10,000.
	MaxEvaluations int

	// RelativeThreshold and AbsoluteThreshold define convergence: the optimization stops when the fitness
	// improves by less than AbsoluteThreshold + RelativeThreshold*|fitness| for a number of iterations.
	// Both default to 1e-8.
	RelativeThreshold, AbsoluteThreshold float64
}

// DefaultGradientConfig returns the default configuration, without the required Model.
func DefaultGradientConfig() GradientConfig {
	return GradientConfig{
		Method:            DefaultGradientMethod,
		MaxEvaluations:    10_000,
		RelativeThreshold: 1e-8,
		AbsoluteThreshold: 1e-8,
	}
}

// GradientOptimizer maximizes the objective using the gradient of the model's log-probability.
type GradientOptimizer struct {
	handlers
	config  GradientConfig
	method  GradientMethod
	latents []*graph.Node
}

var _ Optimizer = (*GradientOptimizer)(nil)

// NewGradient validates the configuration and creates a GradientOptimizer. Unset fields get their defaults.
//
// It returns ErrMissingModel if there is no model, and ErrNotDifferentiable if the model has nodes without
// derivatives depending on its latent variables.
func NewGradient(config GradientConfig) (*GradientOptimizer, error) {
	if config.Model == nil {
		return nil, ErrMissingModel
	}
	defaults := DefaultGradientConfig()
	if config.Method == "" {
		config.Method = defaults.Method
	}
	if config.MaxEvaluations == 0 {
		config.MaxEvaluations = defaults.MaxEvaluations
	}
	if config.RelativeThreshold == 0 {
		config.RelativeThreshold = defaults.RelativeThreshold
	}
	if config.AbsoluteThreshold == 0 {
		config.AbsoluteThreshold = defaults.AbsoluteThreshold
	}
	if config.MaxEvaluations < 0 || config.RelativeThreshold < 0 || config.AbsoluteThreshold < 0 {
		return nil, errors.Errorf("optimizers: invalid gradient configuration %+v", config)
	}
	method, err := ByName(config.Method)
	if err != nil {
		return nil, err
	}
	latents := config.Model.Sort(config.Model.LatentVariables())
	if len(latents) == 0 {
		return nil, errors.New("optimizers: model has no latent variables to optimize")
	}
	if nodes := graph.NonDifferentiableNodes(latents...); len(nodes) > 0 {
		return nil, errors.Wrapf(ErrNotDifferentiable, "non-differentiable nodes %v", nodes)
	}
	return &GradientOptimizer{config: config, method: method, latents: latents}, nil
}

// Config returns the configuration, with defaults filled in.
func (o *GradientOptimizer) Config() GradientConfig { return o.config }

// MaxAPosteriori implements Optimizer.
func (o *GradientOptimizer) MaxAPosteriori() (*OptimizedResult, error) { return o.optimize(false) }

// MaxLikelihood implements Optimizer.
func (o *GradientOptimizer) MaxLikelihood() (*OptimizedResult, error) { return o.optimize(true) }

func (o *GradientOptimizer) optimize(likelihoodOnly bool) (result *OptimizedResult, err error) {
	f := newFitnessFunction(o.config.Model, o.latents, likelihoodOnly, &o.handlers)
	start := f.Point()
	startFitness, err := checkStart(f, start)
	if err != nil {
		return nil, err
	}
	budget := o.config.MaxEvaluations - f.Evaluations()
	if budget <= 0 {
		return finish(f, start, startFitness)
	}
	startTime := time.Now()
	if panicErr := exceptions.TryCatch[error](func() {
		var best []float64
		var fitness float64
		best, fitness, err = o.method.maximize(f, start, startFitness, budget, &o.config)
		if err != nil {
			return
		}
		result, err = finish(f, best, fitness)
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "optimizers: %s", o.method.Name())
	}
	klog.V(1).Infof("optimizers: %s found fitness %g in %d evaluations (%s)",
		o.method.Name(), result.Fitness, result.Evaluations, time.Since(startTime))
	return result, nil
}

// gonumMethod adapts a gonum optimize.Method, which minimizes, to maximize the fitness.
type gonumMethod struct {
	name   string
	method func() optimize.Method
}

func (m *gonumMethod) Name() string { return m.name }

func (m *gonumMethod) maximize(f *FitnessFunction, start []float64, startFitness float64, budget int,
	cfg *GradientConfig) ([]float64, float64, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 { return -f.Fitness(x) },
		Grad: func(grad, x []float64) {
			f.Gradient(grad, x)
			floats.Scale(-1, grad)
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: budget,
		Converger: &optimize.FunctionConverge{
			Absolute:   cfg.AbsoluteThreshold,
			Relative:   cfg.RelativeThreshold,
			Iterations: 20,
		},
		InitValues: &optimize.Location{F: -startFitness},
	}
	result, err := optimize.Minimize(problem, start, settings, m.method())
	if result == nil || result.X == nil || math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		if err != nil {
			return nil, 0, err
		}
		return start, startFitness, nil
	}
	if -result.F < startFitness {
		return start, startFitness, nil
	}
	if err != nil {
		klog.Warningf("optimizers: %s stopped with status %s: %v, using best point found", m.name, result.Status, err)
	}
	klog.V(2).Infof("optimizers: %s status %s after %d major iterations", m.name, result.Status, result.MajorIterations)
	return result.X, -result.F, nil
}

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.05

	// AdamDefaultBeta1 is the default moving average coefficient for the gradient (momentum).
	AdamDefaultBeta1 = 0.9

	// AdamDefaultBeta2 is the default moving average coefficient for the squared gradient.
	AdamDefaultBeta2 = 0.999

	// AdamDefaultEpsilon is added to the denominator of the step.
	AdamDefaultEpsilon = 1e-8
)

// Adam is a gradient ascent with adaptive estimation of first-order and second-order moments, according to
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// Each iteration takes one evaluation of the fitness and of its gradient, except the first one that reuses the
// fitness of the start. It stops after GradientConfig.MaxEvaluations, or when the fitness doesn't improve by more than the thresholds for
// Patience iterations.
type Adam struct {
	LearningRate, Beta1, Beta2, Epsilon float64
	Patience                            int
}

// NewAdam returns Adam with the default hyperparameters.
func NewAdam() *Adam {
	return &Adam{
		LearningRate: AdamDefaultLearningRate,
		Beta1:        AdamDefaultBeta1,
		Beta2:        AdamDefaultBeta2,
		Epsilon:      AdamDefaultEpsilon,
		Patience:     100,
	}
}

// Name implements GradientMethod.
func (a *Adam) Name() string { return "adam" }

func (a *Adam) maximize(f *FitnessFunction, start []float64, startFitness float64, budget int,
	cfg *GradientConfig) ([]float64, float64, error) {
	n := len(start)
	x := slices.Clone(start)
	grad := make([]float64, n)
	moment1, moment2 := make([]float64, n), make([]float64, n)
	best, bestFitness := slices.Clone(x), math.Inf(-1)
	limit := f.Evaluations() + budget
	var stale int
	for step := 1; ; step++ {
		fitness := startFitness
		if step > 1 {
			if f.Evaluations() >= limit {
				break
			}
			fitness = f.Fitness(x)
		}
		if graph.IsImpossibleLogProb(fitness) {
			// Stepped out of the support: go back half-way towards the best point.
			floats.AddScaledTo(x, best, 0.5, floats.SubTo(grad, x, best))
			continue
		}
		if fitness > bestFitness+cfg.AbsoluteThreshold+cfg.RelativeThreshold*math.Abs(fitness) {
			stale = 0
		} else {
			stale++
		}
		if fitness > bestFitness {
			copy(best, x)
			bestFitness = fitness
		}
		if stale >= a.Patience {
			break
		}
		f.Gradient(grad, x)

		// Bias-corrected learning rate.
		lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, float64(step))) / (1 - math.Pow(a.Beta1, float64(step)))
		for ii, g := range grad {
			moment1[ii] = a.Beta1*moment1[ii] + (1-a.Beta1)*g
			moment2[ii] = a.Beta2*moment2[ii] + (1-a.Beta2)*g*g
			x[ii] += lr * moment1[ii] / (math.Sqrt(moment2[ii]) + a.Epsilon)
		}
	}
	if graph.IsImpossibleLogProb(bestFitness) {
		return nil, 0, errors.New("adam: no possible point found")
	}
	return best, bestFitness, nil
}
