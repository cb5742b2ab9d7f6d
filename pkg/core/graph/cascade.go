// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/support/sets"
	"github.com/pkg/errors"
)

// ErrObservedValue is returned when trying to change the value of an observed node.
var ErrObservedValue = errors.New("cannot change the value of an observed node")

// cascadeInfo is the cached propagation information of a node.
type cascadeInfo struct {
	// deterministic descendants reachable through deterministic paths, in topological order.
	deterministic []*Node

	// probabilistic nodes whose log-probability depends on the node's value: the node itself (if it is
	// probabilistic) and the probabilistic children of the node and of its deterministic descendants,
	// in topological order.
	probabilistic []*Node
}

// cascade returns the cached propagation information for the node, computing it on first use.
func (n *Node) cascade() *cascadeInfo {
	if info, found := n.graph.cascades[n.id]; found {
		return info
	}
	info := &cascadeInfo{}
	visited := sets.Make[NodeId]()
	probabilistic := sets.Make[NodeId]()
	if n.IsProbabilistic() {
		probabilistic.Insert(n.id)
	}
	var visit func(node *Node)
	visit = func(node *Node) {
		for _, child := range node.children {
			if child.IsProbabilistic() {
				probabilistic.Insert(child.id)
				continue
			}
			if visited.TryInsert(child.id) {
				visit(child)
			}
		}
	}
	visit(n)
	info.deterministic = n.graph.sortedNodes(visited)
	info.probabilistic = n.graph.sortedNodes(probabilistic)
	n.graph.cascades[n.id] = info
	return info
}

// sortedNodes returns the nodes with the ids in the set, in topological (id) order.
func (g *Graph) sortedNodes(set sets.Set[NodeId]) []*Node {
	ids := sets.Sorted(set)
	nodes := make([]*Node, len(ids))
	for ii, id := range ids {
		nodes[ii] = g.nodes[id]
	}
	return nodes
}

// mergeSorted merges the lists of nodes of several cascades, removing duplicates, in topological order.
func (g *Graph) mergeSorted(nodes []*Node, listFn func(info *cascadeInfo) []*Node) []*Node {
	if len(nodes) == 1 {
		return listFn(nodes[0].cascade())
	}
	set := sets.Make[NodeId]()
	for _, node := range nodes {
		for _, member := range listFn(node.cascade()) {
			set.Insert(member.id)
		}
	}
	return g.sortedNodes(set)
}

// DownstreamDeterministic returns the deterministic nodes that are recomputed when the given nodes
// change: the ones reachable through deterministic paths, in topological order.
func (g *Graph) DownstreamDeterministic(nodes ...*Node) []*Node {
	return g.mergeSorted(nodes, func(info *cascadeInfo) []*Node { return info.deterministic })
}

// DownstreamProbabilistic returns the probabilistic nodes whose log-probability depends on the values of
// the given nodes (including the given nodes themselves, if probabilistic), in topological order.
func (g *Graph) DownstreamProbabilistic(nodes ...*Node) []*Node {
	return g.mergeSorted(nodes, func(info *cascadeInfo) []*Node { return info.probabilistic })
}

// SetValue sets the value of the node without propagating it. Deterministic descendants will be stale
// until Graph.Cascade is called.
//
// value can be a *tensors.Tensor, a float64 or a multidimensional slice of float64. It returns an error
// if the node is observed or if the shape of the value doesn't match the node's shape.
func (n *Node) SetValue(value any) error {
	if n.observed {
		return errors.Wrapf(ErrObservedValue, "node %s", n)
	}
	t, err := n.checkValue(value)
	if err != nil {
		return err
	}
	n.value = t
	return nil
}

// checkValue converts value to a tensor and checks its shape.
func (n *Node) checkValue(value any) (t *tensors.Tensor, err error) {
	if vt, ok := value.(*tensors.Tensor); ok {
		t = vt
	} else {
		err = exceptions.TryCatch[error](func() { t = tensors.FromAnyValue(value) })
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid value for node %s", n)
		}
	}
	if !t.Shape().Equal(n.shape) {
		return nil, errors.Errorf("value of shape %s given to node %s of shape %s", t.Shape(), n, n.shape)
	}
	return t, nil
}

// SetAndCascade sets the value of the node and recomputes its deterministic descendants.
// See SetValue for the accepted values and errors.
func (n *Node) SetAndCascade(value any) error {
	if err := n.SetValue(value); err != nil {
		return err
	}
	n.graph.Cascade(n)
	return nil
}

// Cascade recomputes the deterministic descendants of the given nodes, each once, in topological order.
// Probabilistic descendants keep their values.
func (g *Graph) Cascade(nodes ...*Node) {
	for _, node := range g.DownstreamDeterministic(nodes...) {
		node.recompute()
	}
}

// Observe sets the value of a probabilistic node and marks it as observed: it becomes part of the
// likelihood and its value can no longer change. Deterministic descendants are recomputed.
//
// It returns an error if the node is not probabilistic or the value has the wrong shape.
func (n *Node) Observe(value any) error {
	if !n.IsProbabilistic() {
		return errors.Errorf("only probabilistic nodes can be observed, got %s", n)
	}
	t, err := n.checkValue(value)
	if err != nil {
		return err
	}
	n.value = t
	n.observed = true
	n.graph.Cascade(n)
	return nil
}

// SampleValue draws a new value for a latent node from its distribution, given the current values of its
// parameters, and sets it with SetAndCascade.
func (n *Node) SampleValue(rng *rand.Rand) error {
	if !n.IsProbabilistic() {
		return errors.Errorf("cannot sample a value for deterministic node %s", n)
	}
	return n.SetAndCascade(n.Sample(rng))
}

// Snapshot returns the current values of the given nodes, indexed by their reference.
func Snapshot(nodes []*Node) map[VariableReference]*tensors.Tensor {
	values := make(map[VariableReference]*tensors.Tensor, len(nodes))
	for _, node := range nodes {
		values[node.Reference()] = node.value
	}
	return values
}
