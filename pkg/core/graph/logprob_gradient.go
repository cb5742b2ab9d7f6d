// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/support/sets"
)

// LogProbGradient returns the gradient of the joint log-probability (or of the log-likelihood, if
// likelihoodOnly is true) with respect to each of the given latent nodes, at the current values of the graph.
//
// It is computed in a single reverse traversal: each contributing probabilistic node adds the derivative of
// its log-density with respect to its own value (if it is one of the latents) and with respect to its
// parameters, which are then propagated back through deterministic nodes with their VJP rules.
//
// It panics if a non-differentiable node (see Apply) lies on a path from a latent to a contributing
// probabilistic node. See NonDifferentiableNodes to check it beforehand.
func LogProbGradient(latents []*Node, likelihoodOnly bool) map[VariableReference]*tensors.Tensor {
	gradients := make(map[VariableReference]*tensors.Tensor, len(latents))
	if len(latents) == 0 {
		return gradients
	}
	g := validateBuildingGraphFromInputs(latents...)
	rg := newReverseGraph(g, latents)
	isLatent := sets.Make[NodeId](len(latents))
	for _, latent := range latents {
		isLatent.Insert(latent.id)
	}

	scalar := shapes.Scalar()
	adjoints := make(map[NodeId]*PartialDerivative)
	for nodeIdx := len(g.nodes) - 1; nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		if node.IsProbabilistic() {
			if likelihoodOnly && !node.observed {
				continue
			}
			if !rg.useful[nodeIdx] && !rg.needInputs(node) {
				continue
			}
			dValue, dParams := node.DLogProb()
			if isLatent.Has(node.id) {
				adjoints[node.id] = adjoints[node.id].Add(NewPartialDerivative(scalar, node.shape, dValue))
			}
			for ii, param := range node.inputs {
				if rg.useful[param.id] {
					adjoints[param.id] = adjoints[param.id].Add(NewPartialDerivative(scalar, param.shape, dParams[ii]))
				}
			}
			continue
		}
		v := adjoints[node.id]
		if v == nil || !rg.needInputs(node) {
			continue
		}
		rg.backPropagate(node, v, scalar, adjoints)
	}

	for _, latent := range latents {
		if adjoint, found := adjoints[latent.id]; found {
			gradients[latent.Reference()] = adjoint.value
		} else {
			gradients[latent.Reference()] = tensors.FromShape(latent.shape)
		}
	}
	return gradients
}

// NonDifferentiableNodes returns the deterministic nodes without derivative rules (see Apply) that depend on
// any of the given nodes through deterministic paths, in topological order. An empty result means
// LogProbGradient can be calculated with respect to nodes.
func NonDifferentiableNodes(nodes ...*Node) []*Node {
	if len(nodes) == 0 {
		return nil
	}
	g := validateBuildingGraphFromInputs(nodes...)
	var result []*Node
	for _, node := range g.DownstreamDeterministic(nodes...) {
		if !node.IsDifferentiable() {
			result = append(result, node)
		}
	}
	return result
}
