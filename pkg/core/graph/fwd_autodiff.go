// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
)

// ForwardModeDerivatives returns the partial derivatives of each node in of with respect to wrt, evaluated
// at the current values of the graph.
//
// The traversal starts with the identity at wrt, and visits its descendants in topological order,
// applying each node's JVP rule. Probabilistic nodes other than wrt are leaves: they have a zero derivative
// with respect to wrt, even if their distribution's parameters depend on it.
//
// Nodes in of that don't depend on wrt get a zero partial. It panics if a non-differentiable node (see
// Apply) lies on a path from wrt to one of the nodes in of.
func ForwardModeDerivatives(wrt *Node, of ...*Node) []*PartialDerivative {
	g := validateBuildingGraphFromInputs(append([]*Node{wrt}, of...)...)
	lastId := wrt.id
	for _, node := range of {
		lastId = max(lastId, node.id)
	}

	partials := make(map[NodeId]*PartialDerivative)
	partials[wrt.id] = IdentityPartialDerivative(wrt.shape)
	inputPartials := make([]*PartialDerivative, 0, 2)
	for nodeIdx := wrt.id + 1; nodeIdx <= lastId; nodeIdx++ {
		node := g.nodes[nodeIdx]
		if node.IsProbabilistic() {
			continue
		}
		inputPartials = inputPartials[:0]
		hasPartial := false
		for _, input := range node.inputs {
			partial := partials[input.id]
			inputPartials = append(inputPartials, partial)
			hasPartial = hasPartial || partial != nil
		}
		if !hasPartial {
			continue
		}
		jvpFn := opDefinition(node.nodeType).JVP
		if jvpFn == nil {
			exceptions.Panicf("graph has node %s, for which no derivative is defined, cannot calculate derivative "+
				"with respect to %s", node, wrt)
		}
		partial := jvpFn(node, inputPartials)
		if partial != nil {
			partials[node.id] = partial
		}
	}

	results := make([]*PartialDerivative, len(of))
	for ii, node := range of {
		if partial, found := partials[node.id]; found {
			results[ii] = partial
		} else {
			results[ii] = ZeroPartialDerivative(node.shape, wrt.shape)
		}
	}
	return results
}
