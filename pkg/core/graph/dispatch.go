// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/tensors"
)

// EvalFn computes the value of a deterministic node from the values of its inputs. params are the
// static parameters of the node (e.g. the exponent of Pow), or nil.
type EvalFn func(params any, inputs []*tensors.Tensor) *tensors.Tensor

// JVP is the forward mode rule of a deterministic node: given the partial derivatives of each of its
// inputs with respect to some variable (nil meaning zero), it returns the partial derivative of the
// node with respect to the same variable, or nil if it is zero.
type JVP func(node *Node, inputPartials []*PartialDerivative) *PartialDerivative

// VJP is the reverse mode rule of a deterministic node: given v, the partial derivative of some value
// ("of") with respect to the node, it returns the partial derivatives of the same value with respect
// to each of the node's inputs (nil for inputs that don't get any gradient).
type VJP func(node *Node, v *PartialDerivative) []*PartialDerivative

// OpDefinition holds the rules of a deterministic node type.
// JVP and VJP are nil for node types that are not differentiable (see Apply).
type OpDefinition struct {
	Eval EvalFn
	JVP  JVP
	VJP  VJP
}

// OpRegistration maps each deterministic node type to its rules. The table is closed: every
// deterministic NodeType has exactly one entry.
var OpRegistration = map[NodeType]OpDefinition{
	NodeTypeConstant:  {Eval: constantEval, JVP: nilJVP, VJP: nilVJP},
	NodeTypeAdd:       {Eval: addEval, JVP: addJVP, VJP: addVJP},
	NodeTypeSub:       {Eval: subEval, JVP: subJVP, VJP: subVJP},
	NodeTypeMul:       {Eval: mulEval, JVP: mulJVP, VJP: mulVJP},
	NodeTypeDiv:       {Eval: divEval, JVP: divJVP, VJP: divVJP},
	NodeTypeNeg:       elementWiseOp(tensors.Neg, negGrad),
	NodeTypeExp:       elementWiseOp(tensors.Exp, expGrad),
	NodeTypeLog:       elementWiseOp(tensors.Log, logGrad),
	NodeTypeSigmoid:   elementWiseOp(sigmoid, sigmoidGrad),
	NodeTypeSquare:    elementWiseOp(square, squareGrad),
	NodeTypePow:       {Eval: powEval, JVP: unaryJVP(powGrad), VJP: unaryVJP(powGrad)},
	NodeTypeMatMul:    {Eval: matMulEval, JVP: matMulJVP, VJP: matMulVJP},
	NodeTypeTranspose: {Eval: transposeEval, JVP: transposeJVP, VJP: transposeVJP},
	NodeTypeReduceSum: {Eval: reduceSumEval, JVP: reduceSumJVP, VJP: reduceSumVJP},
	NodeTypeApply:     {Eval: applyEval},

	NodeTypeLessThanOrEqualMask:    {Eval: lessThanOrEqualMaskEval, JVP: maskJVP, VJP: maskVJP},
	NodeTypeGreaterThanOrEqualMask: {Eval: greaterThanOrEqualMaskEval, JVP: maskJVP, VJP: maskVJP},
}

// opDefinition returns the rules for a deterministic node type, and panics if there is none.
func opDefinition(nodeType NodeType) OpDefinition {
	def, found := OpRegistration[nodeType]
	if !found {
		exceptions.Panicf("no evaluation rule registered for node type %s", nodeType)
	}
	return def
}

// IsDifferentiable returns whether the node has derivative rules. Probabilistic nodes are
// differentiable through their distribution's DLogProb.
func (n *Node) IsDifferentiable() bool {
	if n.IsProbabilistic() {
		return true
	}
	def := opDefinition(n.nodeType)
	return def.JVP != nil && def.VJP != nil
}

// params returns the static parameters of the node, or nil.
func (n *Node) params() any {
	return n.graph.opParams[n.id]
}

// inputValues returns the current values of the node's inputs.
func (n *Node) inputValues() []*tensors.Tensor {
	values := make([]*tensors.Tensor, len(n.inputs))
	for ii, input := range n.inputs {
		values[ii] = input.value
	}
	return values
}

// newDeterministic evaluates and appends a deterministic node to the graph.
func (g *Graph) newDeterministic(nodeType NodeType, params any, inputs ...*Node) *Node {
	values := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		values[ii] = input.value
	}
	value := opDefinition(nodeType).Eval(params, values)
	if value == nil {
		exceptions.Panicf("evaluation of new %s node returned nil", nodeType)
	}
	node := g.newNode(nodeType, value, inputs...)
	if params != nil {
		g.opParams[node.id] = params
	}
	return node
}

// recompute re-evaluates a deterministic node from the current values of its inputs.
func (n *Node) recompute() {
	value := opDefinition(n.nodeType).Eval(n.params(), n.inputValues())
	if value == nil || !value.Shape().Equal(n.shape) {
		exceptions.Panicf("re-evaluation of node %s returned a value of a different shape (%v)", n, value)
	}
	n.value = value
}

// nilJVP is used for nodes without inputs.
func nilJVP(_ *Node, _ []*PartialDerivative) *PartialDerivative { return nil }

// nilVJP is used for nodes without inputs.
func nilVJP(_ *Node, _ *PartialDerivative) []*PartialDerivative { return nil }
