// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/pkg/errors"
)

// IsImpossibleLogProb returns whether the log-probability represents an impossible state: -Inf or NaN.
func IsImpossibleLogProb(logProb float64) bool {
	return math.IsInf(logProb, -1) || math.IsNaN(logProb)
}

// SumLogProb returns the sum of the log-probabilities of the given probabilistic nodes, with their current
// values. It stops at the first impossible term and returns math.Inf(-1).
func SumLogProb(nodes []*Node) float64 {
	var sum float64
	for _, node := range nodes {
		lp := node.LogProb()
		if IsImpossibleLogProb(lp) {
			return math.Inf(-1)
		}
		sum += lp
	}
	return sum
}

// LogProb returns the joint log-probability of the current values of all probabilistic nodes (latent
// and observed). It short-circuits to math.Inf(-1) on the first impossible term.
func (g *Graph) LogProb() float64 {
	return SumLogProb(g.ProbabilisticNodes())
}

// LogLikelihood returns the sum of the log-probabilities of the observed nodes only.
func (g *Graph) LogLikelihood() float64 {
	return SumLogProb(g.ObservedNodes())
}

// LogPrior returns the sum of the log-probabilities of the latent nodes only.
func (g *Graph) LogPrior() float64 {
	return SumLogProb(g.LatentNodes())
}

// SetAssignment sets the values of the referenced nodes and recomputes their deterministic descendants
// once. The values stay assigned.
//
// The whole assignment is validated before any value is set: if any reference is unknown, observed or given
// a value of the wrong shape, an error is returned and the graph is left unchanged.
func (g *Graph) SetAssignment(assignment map[VariableReference]*tensors.Tensor) error {
	nodes := make([]*Node, 0, len(assignment))
	values := make([]*tensors.Tensor, 0, len(assignment))
	for ref, value := range assignment {
		node := g.NodeByReference(ref)
		if node == nil {
			return errors.Errorf("variable %s is not part of graph %q", ref, g.name)
		}
		if node.observed {
			return errors.Wrapf(ErrObservedValue, "node %s", node)
		}
		t, err := node.checkValue(value)
		if err != nil {
			return err
		}
		nodes = append(nodes, node)
		values = append(values, t)
	}
	for ii, node := range nodes {
		node.value = values[ii]
	}
	if len(nodes) > 0 {
		g.Cascade(nodes...)
	}
	return nil
}

// LogProbOf sets the given values (see SetAssignment) and returns the joint log-probability.
func (g *Graph) LogProbOf(assignment map[VariableReference]*tensors.Tensor) (float64, error) {
	if err := g.SetAssignment(assignment); err != nil {
		return math.Inf(-1), err
	}
	return g.LogProb(), nil
}

// LogLikelihoodOf sets the given values (see SetAssignment) and returns the log-likelihood.
func (g *Graph) LogLikelihoodOf(assignment map[VariableReference]*tensors.Tensor) (float64, error) {
	if err := g.SetAssignment(assignment); err != nil {
		return math.Inf(-1), err
	}
	return g.LogLikelihood(), nil
}
