// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the probabilistic graph: a directed acyclic graph of random variables and
// deterministic transformations, with value propagation, joint log-probability evaluation and automatic
// differentiation (forward and reverse mode).
//
// The main elements in the package are:
//
//   - Graph: holds all nodes of one model. Nodes are created by the functions of this package (Gaussian,
//     Add, MatMul, etc.) and are only ever appended, so their ids (the creation order) are a valid
//     topological order: a node's inputs always have smaller ids.
//
//   - Node: either probabilistic (a random variable with a distribution, e.g. Gaussian) or deterministic
//     (a function of its inputs, e.g. Add). Probabilistic nodes are "latent" unless they have been observed
//     (see Node.Observe).
//
//   - PartialDerivative: a tensor holding the derivative of one value ("of") with respect to another ("wrt"),
//     with shape concat(of, wrt). See ForwardModeDerivatives, ReverseModeDerivatives and LogProbGradient.
//
// ## Value propagation
//
// Every node always holds a value. Deterministic nodes are kept consistent with their inputs by
// Node.SetAndCascade (or Graph.Cascade after several Node.SetValue): only deterministic descendants
// reachable through deterministic paths are recomputed, probabilistic descendants keep their values.
// The order of recomputation is calculated once per node and cached.
//
// ## Errors
//
// Errors in the structure of the graph (incompatible shapes, mixing nodes of different graphs, etc.)
// are detected at graph building time, and reported with a panic with a stack trace (see
// github.com/gomlx/exceptions). Use exceptions.TryCatch[error] to convert them to errors.
// Errors that depend on runtime values (setting an observed value, wrong shape of a new value) are
// returned.
//
// A Graph is not safe for concurrent use.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/google/uuid"
)

// NodeId is the index of a node within its Graph. Ids are assigned in creation order.
type NodeId int

// InvalidNodeId indicates a node that doesn't exist.
const InvalidNodeId = NodeId(-1)

// Graph holds the nodes of a probabilistic model.
type Graph struct {
	id   uuid.UUID
	name string

	nodes []*Node

	// opParams holds the static parameters of nodes that need them (constants values, exponents,
	// black-box functions), indexed by the node id.
	opParams map[NodeId]any

	labels map[string]*Node

	// cascades caches the propagation order from each node, see cascade.go.
	cascades map[NodeId]*cascadeInfo
}

// NewGraph creates an empty Graph. The name is only used for printing.
func NewGraph(name string) *Graph {
	return &Graph{
		id:       uuid.New(),
		name:     name,
		opParams: make(map[NodeId]any),
		labels:   make(map[string]*Node),
		cascades: make(map[NodeId]*cascadeInfo),
	}
}

// Id returns the unique identifier of the graph.
func (g *Graph) Id() uuid.UUID { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns all the nodes in the graph, in topological (id) order.
// The returned slice is owned by the graph and must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NodeById returns the node with the given id, or nil if it doesn't exist.
func (g *Graph) NodeById(id NodeId) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NodeByReference returns the node referred by ref, or nil if it is not from this graph.
func (g *Graph) NodeByReference(ref VariableReference) *Node {
	if ref.Graph != g.id {
		return nil
	}
	return g.NodeById(ref.Id)
}

// NodeByLabel returns the node with the given label, or nil if there is none.
func (g *Graph) NodeByLabel(label string) *Node {
	return g.labels[label]
}

// ProbabilisticNodes returns all probabilistic nodes, latent and observed, in topological order.
func (g *Graph) ProbabilisticNodes() []*Node {
	return g.filterNodes(func(node *Node) bool { return node.IsProbabilistic() })
}

// LatentNodes returns the probabilistic nodes that are not observed, in topological order.
func (g *Graph) LatentNodes() []*Node {
	return g.filterNodes(func(node *Node) bool { return node.IsProbabilistic() && !node.observed })
}

// ObservedNodes returns the probabilistic nodes that are observed, in topological order.
func (g *Graph) ObservedNodes() []*Node {
	return g.filterNodes(func(node *Node) bool { return node.observed })
}

func (g *Graph) filterNodes(fn func(node *Node) bool) []*Node {
	var nodes []*Node
	for _, node := range g.nodes {
		if fn(node) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// String lists the nodes of the graph, one per line.
func (g *Graph) String() string {
	parts := make([]string, 0, len(g.nodes)+1)
	parts = append(parts, fmt.Sprintf("Graph %q: %d nodes", g.name, len(g.nodes)))
	for _, node := range g.nodes {
		parts = append(parts, "\t"+node.String())
	}
	return strings.Join(parts, "\n")
}

// newNode appends a node to the graph. The value must already be computed.
// Adding nodes invalidates cached propagation orders.
func (g *Graph) newNode(nodeType NodeType, value *tensors.Tensor, inputs ...*Node) *Node {
	node := &Node{
		graph:    g,
		id:       NodeId(len(g.nodes)),
		nodeType: nodeType,
		shape:    value.Shape().Clone(),
		inputs:   inputs,
		value:    value,
	}
	g.nodes = append(g.nodes, node)
	for _, input := range inputs {
		input.children = append(input.children, node)
	}
	clear(g.cascades)
	return node
}

// validateBuildingGraphFromInputs checks that all inputs are non-nil and belong to the same graph,
// and returns that graph. It panics otherwise.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes given, can't infer the graph")
	}
	var g *Graph
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if g == nil {
			g = input.graph
		} else if input.graph != g {
			exceptions.Panicf("input node #%d (%s) belongs to graph %q, but other inputs belong to graph %q",
				ii, input, input.graph.name, g.name)
		}
	}
	return g
}
