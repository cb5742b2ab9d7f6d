// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
)

// Const creates a constant node with the given value: a *tensors.Tensor, a float64 or a regular
// multidimensional slice of float64 (see tensors.FromAnyValue).
func Const(g *Graph, value any) *Node {
	t := tensors.FromAnyValue(value).Clone()
	return g.newDeterministic(NodeTypeConstant, t)
}

// Scalar creates a scalar constant node.
func Scalar(g *Graph, value float64) *Node {
	return Const(g, value)
}

func constantEval(params any, _ []*tensors.Tensor) *tensors.Tensor {
	return params.(*tensors.Tensor)
}

// binaryOp validates the inputs of an element-wise binary operation. Operands must have the same shape,
// or one of them must be a scalar (or have size 1) and is broadcast.
func binaryOp(nodeType NodeType, lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	_ = tensors.BroadcastShapes(lhs.shape, rhs.shape)
	return g.newDeterministic(nodeType, nil, lhs, rhs)
}

// Add returns lhs + rhs.
func Add(lhs, rhs *Node) *Node { return binaryOp(NodeTypeAdd, lhs, rhs) }

// Sub returns lhs - rhs.
func Sub(lhs, rhs *Node) *Node { return binaryOp(NodeTypeSub, lhs, rhs) }

// Mul returns lhs * rhs, element-wise.
func Mul(lhs, rhs *Node) *Node { return binaryOp(NodeTypeMul, lhs, rhs) }

// Div returns lhs / rhs, element-wise.
func Div(lhs, rhs *Node) *Node { return binaryOp(NodeTypeDiv, lhs, rhs) }

func addEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.Add(inputs[0], inputs[1]) }
func subEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.Sub(inputs[0], inputs[1]) }
func mulEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.Mul(inputs[0], inputs[1]) }
func divEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.Div(inputs[0], inputs[1]) }

// sumJVPs broadcasts each input partial to the node's shape, multiplies it by the corresponding
// multiplier (if not nil), and sums them.
func sumJVPs(node *Node, inputPartials []*PartialDerivative, multipliers []*tensors.Tensor) *PartialDerivative {
	var result *PartialDerivative
	for ii, partial := range inputPartials {
		if partial == nil {
			continue
		}
		partial = partial.BroadcastOf(node.shape)
		if multipliers[ii] != nil {
			partial = partial.MultiplyAlongOfDimensions(multipliers[ii])
		}
		result = result.Add(partial)
	}
	return result
}

// vjpForDefaultBroadcast multiplies v along the "wrt" axes (if multiplier is not nil), and sums it over the
// "wrt" axes if the input was broadcast.
func vjpForDefaultBroadcast(input *Node, v *PartialDerivative, multiplier *tensors.Tensor) *PartialDerivative {
	if multiplier != nil {
		v = v.MultiplyAlongWrtDimensions(multiplier)
	}
	return v.SumOverWrt(input.shape)
}

func addJVP(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	return sumJVPs(node, inputPartials, []*tensors.Tensor{nil, nil})
}

func addVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	return []*PartialDerivative{
		vjpForDefaultBroadcast(node.inputs[0], v, nil),
		vjpForDefaultBroadcast(node.inputs[1], v, nil),
	}
}

var minusOne = tensors.FromScalar(-1)

func subJVP(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	return sumJVPs(node, inputPartials, []*tensors.Tensor{nil, minusOne})
}

func subVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	return []*PartialDerivative{
		vjpForDefaultBroadcast(node.inputs[0], v, nil),
		vjpForDefaultBroadcast(node.inputs[1], v, minusOne),
	}
}

func mulJVP(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	lhs, rhs := node.inputs[0].value, node.inputs[1].value
	return sumJVPs(node, inputPartials, []*tensors.Tensor{rhs, lhs})
}

func mulVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	lhs, rhs := node.inputs[0], node.inputs[1]
	return []*PartialDerivative{
		vjpForDefaultBroadcast(lhs, v, tensors.BroadcastTo(rhs.value, node.shape)),
		vjpForDefaultBroadcast(rhs, v, tensors.BroadcastTo(lhs.value, node.shape)),
	}
}

// divGrads returns d(l/r)/dl = 1/r and d(l/r)/dr = -l/r^2, in the shape of the node.
func divGrads(node *Node) (dl, dr *tensors.Tensor) {
	lhs := tensors.BroadcastTo(node.inputs[0].value, node.shape)
	rhs := tensors.BroadcastTo(node.inputs[1].value, node.shape)
	dl = tensors.Map(rhs, func(r float64) float64 { return 1 / r })
	dr = tensors.Neg(tensors.Div(lhs, tensors.Mul(rhs, rhs)))
	return
}

func divJVP(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	dl, dr := divGrads(node)
	return sumJVPs(node, inputPartials, []*tensors.Tensor{dl, dr})
}

func divVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	dl, dr := divGrads(node)
	return []*PartialDerivative{
		vjpForDefaultBroadcast(node.inputs[0], v, dl),
		vjpForDefaultBroadcast(node.inputs[1], v, dr),
	}
}

// elementWiseGradFn returns the derivative of an element-wise function at each element of the node's input.
type elementWiseGradFn func(node *Node) *tensors.Tensor

func unaryJVP(gradFn elementWiseGradFn) JVP {
	return func(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
		if inputPartials[0] == nil {
			return nil
		}
		return inputPartials[0].MultiplyAlongOfDimensions(gradFn(node))
	}
}

func unaryVJP(gradFn elementWiseGradFn) VJP {
	return func(node *Node, v *PartialDerivative) []*PartialDerivative {
		return []*PartialDerivative{v.MultiplyAlongWrtDimensions(gradFn(node))}
	}
}

func elementWiseOp(fn func(*tensors.Tensor) *tensors.Tensor, gradFn elementWiseGradFn) OpDefinition {
	return OpDefinition{
		Eval: func(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return fn(inputs[0]) },
		JVP:  unaryJVP(gradFn),
		VJP:  unaryVJP(gradFn),
	}
}

func unaryOp(nodeType NodeType, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return g.newDeterministic(nodeType, nil, x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(NodeTypeNeg, x) }

// Exp returns e^x, element-wise.
func Exp(x *Node) *Node { return unaryOp(NodeTypeExp, x) }

// Log returns the natural logarithm of x, element-wise.
func Log(x *Node) *Node { return unaryOp(NodeTypeLog, x) }

// Sigmoid returns 1/(1+e^-x), element-wise.
func Sigmoid(x *Node) *Node { return unaryOp(NodeTypeSigmoid, x) }

// Square returns x^2, element-wise.
func Square(x *Node) *Node { return unaryOp(NodeTypeSquare, x) }

func negGrad(_ *Node) *tensors.Tensor { return minusOne }

func expGrad(node *Node) *tensors.Tensor { return node.value }

func logGrad(node *Node) *tensors.Tensor {
	return tensors.Map(node.inputs[0].value, func(x float64) float64 { return 1 / x })
}

func sigmoid(x *tensors.Tensor) *tensors.Tensor {
	return tensors.Map(x, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
}

func sigmoidGrad(node *Node) *tensors.Tensor {
	return tensors.Map(node.value, func(s float64) float64 { return s * (1 - s) })
}

func square(x *tensors.Tensor) *tensors.Tensor { return tensors.Mul(x, x) }

func squareGrad(node *Node) *tensors.Tensor { return tensors.Scale(node.inputs[0].value, 2) }

// Pow returns x^exponent, element-wise, for a constant exponent.
func Pow(x *Node, exponent float64) *Node {
	g := validateBuildingGraphFromInputs(x)
	return g.newDeterministic(NodeTypePow, exponent, x)
}

func powEval(params any, inputs []*tensors.Tensor) *tensors.Tensor {
	exponent := params.(float64)
	return tensors.Map(inputs[0], func(v float64) float64 { return math.Pow(v, exponent) })
}

func powGrad(node *Node) *tensors.Tensor {
	exponent := node.params().(float64)
	return tensors.Map(node.inputs[0].value, func(v float64) float64 { return exponent * math.Pow(v, exponent-1) })
}

// MatMul returns the matrix multiplication lhs · rhs. Both operands must be rank-2, and the inner
// dimensions must match: [m, k] · [k, n] -> [m, n].
//
// It panics at graph building time if the shapes are not compatible.
func MatMul(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		exceptions.Panicf("MatMul requires rank-2 operands, got %s and %s", lhs.shape, rhs.shape)
	}
	if lhs.shape.Dim(1) != rhs.shape.Dim(0) {
		exceptions.Panicf("MatMul inner dimensions don't match: %s · %s", lhs.shape, rhs.shape)
	}
	return g.newDeterministic(NodeTypeMatMul, nil, lhs, rhs)
}

func matMulEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor {
	return tensors.MatMul(inputs[0], inputs[1])
}

// matMulJVP: dC = dA · B + A · dB.
func matMulJVP(node *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	var result *PartialDerivative
	if dA := inputPartials[0]; dA != nil {
		result = result.Add(dA.MatMulOfRight(node.inputs[1].value))
	}
	if dB := inputPartials[1]; dB != nil {
		result = result.Add(dB.MatMulOfLeft(node.inputs[0].value))
	}
	return result
}

// matMulVJP: dA = dC · B^T and dB = A^T · dC, along the "wrt" axes.
func matMulVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	a, b := node.inputs[0].value, node.inputs[1].value
	return []*PartialDerivative{
		v.MatMulWrtRight(tensors.Transpose(b)),
		v.MatMulWrtLeft(tensors.Transpose(a)),
	}
}

// Transpose returns the transpose of a rank-2 node.
func Transpose(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	if x.Rank() != 2 {
		exceptions.Panicf("Transpose requires a rank-2 operand, got %s", x.shape)
	}
	return g.newDeterministic(NodeTypeTranspose, nil, x)
}

func transposeEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.Transpose(inputs[0]) }

func transposeJVP(_ *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	if inputPartials[0] == nil {
		return nil
	}
	return inputPartials[0].TransposeOf()
}

func transposeVJP(_ *Node, v *PartialDerivative) []*PartialDerivative {
	return []*PartialDerivative{v.TransposeWrt()}
}

// ReduceSum returns the scalar sum of all elements of x.
func ReduceSum(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return g.newDeterministic(NodeTypeReduceSum, nil, x)
}

func reduceSumEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor { return tensors.ReduceSum(inputs[0]) }

func reduceSumJVP(_ *Node, inputPartials []*PartialDerivative) *PartialDerivative {
	if inputPartials[0] == nil {
		return nil
	}
	return inputPartials[0].SumOverOf(shapes.Scalar())
}

func reduceSumVJP(node *Node, v *PartialDerivative) []*PartialDerivative {
	return []*PartialDerivative{v.BroadcastWrt(node.inputs[0].shape)}
}

// ApplyFn is an opaque deterministic function of the values of its inputs. It must always return a
// value of the same shape, and must not modify its inputs.
type ApplyFn func(inputs []*tensors.Tensor) *tensors.Tensor

// Apply creates a deterministic node computed by an opaque function of its inputs.
//
// Apply nodes have no derivative rules: they can be used with derivative-free inference (sampling and
// the non-gradient optimizer), but a gradient through them is a configuration error.
func Apply(fn ApplyFn, inputs ...*Node) *Node {
	g := validateBuildingGraphFromInputs(inputs...)
	return g.newDeterministic(NodeTypeApply, fn, inputs...)
}

func applyEval(params any, inputs []*tensors.Tensor) *tensors.Tensor {
	return params.(ApplyFn)(inputs)
}

// LessThanOrEqualMask returns 1 where lhs <= rhs and 0 elsewhere, element-wise.
//
// Masks are piecewise constant: their derivatives are zero, so gradients don't flow through them.
func LessThanOrEqualMask(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeLessThanOrEqualMask, lhs, rhs)
}

// GreaterThanOrEqualMask returns 1 where lhs >= rhs and 0 elsewhere, element-wise. See LessThanOrEqualMask.
func GreaterThanOrEqualMask(lhs, rhs *Node) *Node {
	return binaryOp(NodeTypeGreaterThanOrEqualMask, lhs, rhs)
}

func maskEval(inputs []*tensors.Tensor, fn func(l, r float64) bool) *tensors.Tensor {
	shape := tensors.BroadcastShapes(inputs[0].Shape(), inputs[1].Shape())
	lhs := tensors.BroadcastTo(inputs[0], shape).Flat()
	rhs := tensors.BroadcastTo(inputs[1], shape).Flat()
	mask := make([]float64, shape.Size())
	for ii := range mask {
		if fn(lhs[ii], rhs[ii]) {
			mask[ii] = 1
		}
	}
	return tensors.FromShapeAndFlat(shape, mask)
}

func lessThanOrEqualMaskEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor {
	return maskEval(inputs, func(l, r float64) bool { return l <= r })
}

func greaterThanOrEqualMaskEval(_ any, inputs []*tensors.Tensor) *tensors.Tensor {
	return maskEval(inputs, func(l, r float64) bool { return l >= r })
}

func maskJVP(_ *Node, _ []*PartialDerivative) *PartialDerivative { return nil }

func maskVJP(_ *Node, _ *PartialDerivative) []*PartialDerivative { return make([]*PartialDerivative, 2) }
