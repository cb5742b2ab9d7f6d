// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a Bayesian linear regression on top of the graph:
//
//	weights ~ N(0, priorSigma)   (shape [features, 1])
//	intercept ~ N(0, priorSigma)
//	y ~ N(x·weights + intercept, 1)
//
// Fit finds the maximum likelihood weights (ordinary least squares), and FitMAP the maximum a posteriori
// (ridge regression, with the regularization given by priorSigma), both with a gradient optimizer.
package linear

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/gomlx/infer/pkg/ml/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Regression is a linear regression model.
type Regression struct {
	net                          *model.BayesNet
	weights, intercept, observed *graph.Node
	numFeatures                  int

	// Method is the gradient method used by Fit and FitMAP. Defaults to optimizers.DefaultGradientMethod.
	Method string
}

// New creates the regression model of the examples x (shape [examples, features]) and the labels y (one per
// example). priorSigma is the standard deviation of the prior of the weights and intercept.
func New(x [][]float64, y []float64, priorSigma float64) (r *Regression, err error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.Errorf("linear.New: got %d examples and %d labels", len(x), len(y))
	}
	if !(priorSigma > 0) {
		return nil, errors.Errorf("linear.New: priorSigma must be > 0, got %g", priorSigma)
	}
	labels := make([][]float64, len(y))
	for ii, v := range y {
		labels[ii] = []float64{v}
	}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph("linear_regression")
		features := graph.Const(g, x)
		numFeatures := features.Shape().Dim(-1)
		zero, sigma := graph.Scalar(g, 0), graph.Scalar(g, priorSigma)
		weights := graph.Gaussian(zero, sigma, numFeatures, 1).SetLabel("weights")
		intercept := graph.Gaussian(zero, sigma).SetLabel("intercept")
		predictions := graph.Add(graph.MatMul(features, weights), intercept)
		observed := graph.Gaussian(predictions, graph.Scalar(g, 1)).SetLabel("y")
		if err := observed.Observe(labels); err != nil {
			panic(err)
		}
		r = &Regression{
			net:         model.New(g),
			weights:     weights,
			intercept:   intercept,
			observed:    observed,
			numFeatures: numFeatures,
			Method:      optimizers.DefaultGradientMethod,
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "linear.New")
	}
	return r, nil
}

// Model returns the underlying probabilistic model, e.g. to sample the posterior of the weights.
func (r *Regression) Model() *model.BayesNet { return r.net }

// WeightsNode returns the latent node of the weights, with shape [features, 1].
func (r *Regression) WeightsNode() *graph.Node { return r.weights }

// InterceptNode returns the latent scalar node of the intercept.
func (r *Regression) InterceptNode() *graph.Node { return r.intercept }

// Fit sets the weights and intercept to their maximum likelihood values, and returns the log-likelihood.
func (r *Regression) Fit() (float64, error) { return r.fit(true) }

// FitMAP sets the weights and intercept to their maximum a posteriori values, and returns the log-probability.
func (r *Regression) FitMAP() (float64, error) { return r.fit(false) }

func (r *Regression) fit(likelihoodOnly bool) (float64, error) {
	o, err := optimizers.NewGradient(optimizers.GradientConfig{Model: r.net, Method: r.Method})
	if err != nil {
		return 0, err
	}
	var result *optimizers.OptimizedResult
	if likelihoodOnly {
		result, err = o.MaxLikelihood()
	} else {
		result, err = o.MaxAPosteriori()
	}
	if err != nil {
		return 0, errors.WithMessage(err, "fitting linear regression")
	}
	klog.V(1).Infof("linear regression fitted: weights=%v, intercept=%g", r.Weights(), r.Intercept())
	return result.Fitness, nil
}

// Weights returns the current weights, one per feature.
func (r *Regression) Weights() []float64 { return r.weights.Value().CopyFlat() }

// Intercept returns the current intercept.
func (r *Regression) Intercept() float64 { return r.intercept.Value().Scalar() }

// Predict returns the predictions for the examples x (shape [examples, features]) with the current weights.
func (r *Regression) Predict(x [][]float64) (predictions []float64, err error) {
	err = exceptions.TryCatch[error](func() {
		features := tensors.FromAnyValue(x)
		if features.Rank() != 2 || features.Shape().Dim(1) != r.numFeatures {
			exceptions.Panicf("examples of shape %s, expected [examples, %d]", features.Shape(), r.numFeatures)
		}
		result := tensors.AddConst(tensors.MatMul(features, r.weights.Value()), r.Intercept())
		predictions = result.CopyFlat()
	})
	if err != nil {
		return nil, errors.WithMessage(err, "linear.Predict")
	}
	return predictions, nil
}
