// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the ProbabilisticModel abstraction consumed by the inference algorithms (samplers and
// optimizers), and BayesNet, its implementation over a graph.Graph.
//
// A model exposes its latent variables, a deterministic topological sort of any subset of variables, and the
// joint log-probability (or the log-likelihood) either at the current values or for a hypothetical assignment:
//
//	g := graph.NewGraph("sum")
//	a := graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1))
//	b := graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1))
//	c := graph.Gaussian(graph.Add(a, b), graph.Scalar(g, 1))
//	must.M(c.Observe(43.0))
//	net := model.New(g)
//	fmt.Println(net.LatentVariables()) // a and b
package model

import (
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
)

// Assignment maps variables to hypothetical values.
type Assignment = map[graph.VariableReference]*tensors.Tensor

// ProbabilisticModel is what the inference algorithms need from a model.
type ProbabilisticModel interface {
	// LatentVariables returns the unobserved probabilistic variables, in topological order.
	LatentVariables() []*graph.Node

	// Sort returns the given variables in a deterministic topological order.
	Sort(variables []*graph.Node) []*graph.Node

	// LogProb returns the joint log-probability at the current values, or math.Inf(-1) if impossible.
	LogProb() float64

	// LogProbOf assigns the values (with cascade) and returns the joint log-probability.
	LogProbOf(assignment Assignment) (float64, error)

	// LogLikelihood returns the log-probability of the observed variables only.
	LogLikelihood() float64

	// LogLikelihoodOf assigns the values (with cascade) and returns the log-likelihood.
	LogLikelihoodOf(assignment Assignment) (float64, error)
}

// ProbabilisticModelWithGradient is a ProbabilisticModel that can also differentiate its log-probability with
// respect to its latent variables.
type ProbabilisticModelWithGradient interface {
	ProbabilisticModel

	// LogProbGradient returns the gradient of LogProb with respect to each latent variable, at the current values.
	LogProbGradient() Assignment

	// LogLikelihoodGradient returns the gradient of LogLikelihood with respect to each latent variable.
	LogLikelihoodGradient() Assignment
}

// NumDimensions returns the total number of scalar elements of the given variables.
func NumDimensions(variables []*graph.Node) int {
	var total int
	for _, v := range variables {
		total += v.Shape().Size()
	}
	return total
}

// Values returns the current values of the variables, indexed by their reference.
func Values(variables []*graph.Node) Assignment {
	return graph.Snapshot(variables)
}
