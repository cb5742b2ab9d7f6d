// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/google/uuid"
)

// MaxSizeToPrint is the largest value printed in full by Node.String.
const MaxSizeToPrint = 5

// Node is a vertex of the probabilistic graph: either a random variable (probabilistic node) or a
// deterministic function of its inputs.
//
// A Node always holds a value of a fixed shape. Inputs are the edges of the graph, and a node keeps
// track of its children (the nodes that use it as input) for value propagation.
type Node struct {
	graph    *Graph
	id       NodeId
	nodeType NodeType
	shape    shapes.Shape

	inputs   []*Node
	children []*Node

	value    *tensors.Tensor
	observed bool
	label    string
}

// VariableReference identifies a node independently of its pointer: it is comparable and can be used
// as a map key across derivative, sample and proposal maps.
type VariableReference struct {
	Graph uuid.UUID
	Id    NodeId
}

// String implements fmt.Stringer.
func (ref VariableReference) String() string {
	return fmt.Sprintf("#%d", ref.Id)
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node within its graph.
func (n *Node) Id() NodeId { return n.id }

// Reference returns the VariableReference that identifies this node.
func (n *Node) Reference() VariableReference {
	return VariableReference{Graph: n.graph.id, Id: n.id}
}

// Type of the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Rank of the node's value.
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar returns whether the node's value is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// Inputs returns the input nodes (parents). The slice is owned by the node and must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// Children returns the nodes that use this node as input. The slice is owned by the node and must not be modified.
func (n *Node) Children() []*Node { return n.children }

// IsProbabilistic returns whether the node is a random variable.
func (n *Node) IsProbabilistic() bool { return n.nodeType.IsProbabilistic() }

// IsObserved returns whether the node is a probabilistic node with an observed value.
func (n *Node) IsObserved() bool { return n.observed }

// IsLatent returns whether the node is a probabilistic node without an observed value.
func (n *Node) IsLatent() bool { return n.IsProbabilistic() && !n.observed }

// Value returns the current value of the node. It must not be modified: use SetValue or SetAndCascade
// to change it.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Label of the node, or an empty string if it has none.
func (n *Node) Label() string { return n.label }

// SetLabel sets a label to the node, so it can be found with Graph.NodeByLabel. It returns the node itself,
// so it can be chained.
//
// It panics if the label is already used by another node of the graph.
func (n *Node) SetLabel(label string) *Node {
	if other, found := n.graph.labels[label]; found && other != n {
		exceptions.Panicf("label %q already used by node %s", label, other)
	}
	if n.label != "" {
		delete(n.graph.labels, n.label)
	}
	n.label = label
	n.graph.labels[label] = n
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("#%d %s", n.id, n.nodeType))
	if n.label != "" {
		parts = append(parts, fmt.Sprintf("%q", n.label))
	}
	if len(n.inputs) > 0 {
		ids := make([]string, 0, len(n.inputs))
		for _, input := range n.inputs {
			ids = append(ids, fmt.Sprintf("#%d", input.id))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(ids, ", ")))
	}
	if n.observed {
		parts = append(parts, "observed")
	}
	if n.shape.Size() <= MaxSizeToPrint {
		parts = append(parts, fmt.Sprintf("value=%v", n.value.Value()))
	} else {
		parts = append(parts, fmt.Sprintf("shape=%s", n.shape))
	}
	return strings.Join(parts, " ")
}
