// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
)

// This file implements reverse-mode automatic differentiation, using VJPs (Vector Jacobian Products).
//
// Conventions:
//
// * root node: the value being differentiated ("of").
// * selected nodes: the nodes with respect to which we want the derivatives ("wrt").
// * VJP / adjoint: the accumulated derivative of the root with respect to the node being processed. The
//      "V" is not necessarily a vector: it has shape concat(root shape, node shape). They are generated in
//      reverse topological order, from the root back to the selected nodes.

// reverseGraph marks the nodes relevant for a reverse traversal.
type reverseGraph struct {
	graph *Graph

	// useful is true for nodes in a path from a selected node: only those need adjoints.
	useful []bool
}

func newReverseGraph(g *Graph, selected []*Node) *reverseGraph {
	rg := &reverseGraph{graph: g, useful: make([]bool, len(g.nodes))}
	for _, node := range selected {
		rg.markAsUseful(node)
	}
	return rg
}

// markAsUseful marks the node and its descendants through deterministic nodes.
func (rg *reverseGraph) markAsUseful(node *Node) {
	if rg.useful[node.id] {
		return
	}
	rg.useful[node.id] = true
	for _, child := range node.children {
		if !child.IsProbabilistic() {
			rg.markAsUseful(child)
		}
	}
}

// needInputs returns whether any of the node's inputs needs an adjoint.
func (rg *reverseGraph) needInputs(node *Node) bool {
	for _, input := range node.inputs {
		if rg.useful[input.id] {
			return true
		}
	}
	return false
}

// backPropagate pushes the adjoint v of a deterministic node to its inputs, accumulating the results in
// adjoints. rootShape is the shape of the value being differentiated, used to validate the VJPs.
func (rg *reverseGraph) backPropagate(node *Node, v *PartialDerivative, rootShape shapes.Shape,
	adjoints map[NodeId]*PartialDerivative) {
	vjpFn := opDefinition(node.nodeType).VJP
	if vjpFn == nil {
		exceptions.Panicf("graph has node %s, for which no gradient is defined, cannot calculate graph gradient", node)
	}
	inputsVJPs := vjpFn(node, v)
	if len(inputsVJPs) != len(node.inputs) {
		exceptions.Panicf("VJP(%s) returned %d VJPs, but it has %d inputs, implementation of auto-differentiation for node failed",
			node, len(inputsVJPs), len(node.inputs))
	}
	for ii, input := range node.inputs {
		vjp := inputsVJPs[ii]
		if vjp == nil || !rg.useful[input.id] {
			continue
		}
		if !vjp.ofShape.Equal(rootShape) || !vjp.wrtShape.Equal(input.shape) {
			exceptions.Panicf("invalid gradient calculation for node %s: VJP for input #%d has shape d%s/d%s, "+
				"wanted d%s/d%s -- this indicates a bug in the derivative rule of %s",
				node, ii, vjp.ofShape, vjp.wrtShape, rootShape, input.shape, node.nodeType)
		}
		adjoints[input.id] = adjoints[input.id].Add(vjp)
	}
}

// ReverseModeDerivatives returns the partial derivatives of of with respect to each node in wrt, evaluated
// at the current values of the graph.
//
// The traversal starts with the identity at of, and visits its ancestors in reverse topological order,
// applying each node's VJP rule and summing the contributions of all children. Probabilistic nodes are
// leaves: derivatives don't flow through them into their distribution's parameters.
//
// Nodes in wrt that don't influence of get a zero partial. It panics if a non-differentiable node (see
// Apply) lies on a path from one of the nodes in wrt to of.
func ReverseModeDerivatives(of *Node, wrt ...*Node) []*PartialDerivative {
	g := validateBuildingGraphFromInputs(append([]*Node{of}, wrt...)...)
	rg := newReverseGraph(g, wrt)
	adjoints := make(map[NodeId]*PartialDerivative)
	adjoints[of.id] = IdentityPartialDerivative(of.shape)
	if !of.IsProbabilistic() {
		firstId := of.id
		for _, node := range wrt {
			firstId = min(firstId, node.id)
		}
		for nodeIdx := of.id; nodeIdx > firstId; nodeIdx-- {
			node := g.nodes[nodeIdx]
			v := adjoints[nodeIdx]
			if v == nil || node.IsProbabilistic() || !rg.useful[nodeIdx] || !rg.needInputs(node) {
				continue
			}
			rg.backPropagate(node, v, of.shape, adjoints)
		}
	}

	results := make([]*PartialDerivative, len(wrt))
	for ii, node := range wrt {
		if adjoint, found := adjoints[node.id]; found {
			results[ii] = adjoint
		} else {
			results[ii] = ZeroPartialDerivative(of.shape, node.shape)
		}
	}
	return results
}
