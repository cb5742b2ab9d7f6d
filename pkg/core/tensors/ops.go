// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// BroadcastShapes returns the shape resulting from an element-wise operation between operands of the given
// shapes: they must be equal, or one of them must have size 1, in which case it is broadcast to the other.
//
// It panics if the shapes are not compatible.
func BroadcastShapes(s0, s1 shapes.Shape) shapes.Shape {
	if s0.Equal(s1) {
		return s0.Clone()
	}
	if s0.Size() == 1 && s0.Rank() <= s1.Rank() {
		return s1.Clone()
	}
	if s1.Size() == 1 && s1.Rank() <= s0.Rank() {
		return s0.Clone()
	}
	exceptions.Panicf("incompatible shapes for element-wise operation: %s and %s", s0, s1)
	return shapes.Shape{}
}

// BroadcastTo returns a tensor with the given shape. If t already has the shape, it is returned as is,
// otherwise t must have size 1 and its value is replicated.
func BroadcastTo(t *Tensor, shape shapes.Shape) *Tensor {
	if t.shape.Equal(shape) {
		return t
	}
	if t.Size() != 1 {
		exceptions.Panicf("cannot broadcast tensor of shape %s to %s", t.shape, shape)
	}
	result := FromShape(shape)
	v := t.flat[0]
	for ii := range result.flat {
		result.flat[ii] = v
	}
	return result
}

func binaryOp(lhs, rhs *Tensor, fn func(dst, s, t []float64) []float64) *Tensor {
	shape := BroadcastShapes(lhs.shape, rhs.shape)
	result := FromShape(shape)
	fn(result.flat, BroadcastTo(lhs, shape).flat, BroadcastTo(rhs, shape).flat)
	return result
}

// Add returns lhs + rhs element-wise, broadcasting a size-1 operand.
func Add(lhs, rhs *Tensor) *Tensor { return binaryOp(lhs, rhs, floats.AddTo) }

// Sub returns lhs - rhs element-wise, broadcasting a size-1 operand.
func Sub(lhs, rhs *Tensor) *Tensor { return binaryOp(lhs, rhs, floats.SubTo) }

// Mul returns lhs * rhs element-wise, broadcasting a size-1 operand.
func Mul(lhs, rhs *Tensor) *Tensor { return binaryOp(lhs, rhs, floats.MulTo) }

// Div returns lhs / rhs element-wise, broadcasting a size-1 operand.
func Div(lhs, rhs *Tensor) *Tensor { return binaryOp(lhs, rhs, floats.DivTo) }

// Scale returns t multiplied by the constant c.
func Scale(t *Tensor, c float64) *Tensor {
	result := FromShape(t.shape)
	floats.ScaleTo(result.flat, c, t.flat)
	return result
}

// AddConst returns t + c.
func AddConst(t *Tensor, c float64) *Tensor {
	result := t.Clone()
	floats.AddConst(c, result.flat)
	return result
}

// Neg returns -t.
func Neg(t *Tensor) *Tensor { return Scale(t, -1) }

// Map returns a new tensor with fn applied to each element of t.
func Map(t *Tensor, fn func(float64) float64) *Tensor {
	result := FromShape(t.shape)
	for ii, v := range t.flat {
		result.flat[ii] = fn(v)
	}
	return result
}

// Exp returns e^t element-wise.
func Exp(t *Tensor) *Tensor { return Map(t, math.Exp) }

// Log returns the natural logarithm of t element-wise.
func Log(t *Tensor) *Tensor { return Map(t, math.Log) }

// Sum returns the sum of all elements of t.
func Sum(t *Tensor) float64 { return floats.Sum(t.flat) }

// ReduceSum returns a scalar tensor with the sum of all elements of t.
func ReduceSum(t *Tensor) *Tensor { return FromScalar(Sum(t)) }

// Dense returns a gonum matrix view of a rank-2 tensor. The matrix shares the tensor's storage and
// must not be modified.
func (t *Tensor) Dense() *mat.Dense {
	if t.Rank() != 2 {
		exceptions.Panicf("Tensor.Dense() requires a rank-2 tensor, got shape %s", t.shape)
	}
	return mat.NewDense(t.shape.Dimensions[0], t.shape.Dimensions[1], t.flat)
}

// FromDense creates a tensor with a copy of the contents of a gonum matrix.
func FromDense(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	result := FromShape(shapes.Make(rows, cols))
	mat.NewDense(rows, cols, result.flat).Copy(m)
	return result
}

// MatMul returns the matrix product of two rank-2 tensors: [m, k] x [k, n] -> [m, n].
//
// It panics if the operands are not rank-2 or if the inner dimensions don't match.
func MatMul(lhs, rhs *Tensor) *Tensor {
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		exceptions.Panicf("MatMul requires rank-2 operands, got shapes %s and %s", lhs.shape, rhs.shape)
	}
	if lhs.shape.Dimensions[1] != rhs.shape.Dimensions[0] {
		exceptions.Panicf("MatMul inner dimensions don't match: %s x %s", lhs.shape, rhs.shape)
	}
	result := FromShape(shapes.Make(lhs.shape.Dimensions[0], rhs.shape.Dimensions[1]))
	mat.NewDense(lhs.shape.Dimensions[0], rhs.shape.Dimensions[1], result.flat).Mul(lhs.Dense(), rhs.Dense())
	return result
}

// Transpose returns the transpose of a rank-2 tensor.
func Transpose(t *Tensor) *Tensor {
	if t.Rank() != 2 {
		exceptions.Panicf("Transpose requires a rank-2 tensor, got shape %s", t.shape)
	}
	return FromDense(t.Dense().T())
}

// Permute returns a tensor with the axes of t permuted: axis i of the result is the axis
// permutation[i] of t.
func Permute(t *Tensor, permutation ...int) *Tensor {
	rank := t.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("Permute(%v) requires %d axes for tensor of shape %s", permutation, rank, t.shape)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			exceptions.Panicf("Permute(%v) is not a valid permutation for rank %d", permutation, rank)
		}
		seen[axis] = true
		newDims[ii] = t.shape.Dimensions[axis]
	}
	if rank == 0 || slices.IsSorted(permutation) {
		return t.Clone()
	}
	srcStrides := t.shape.Strides()
	result := FromShape(shapes.Make(newDims...))
	for flatIdx, indices := range result.shape.Iter() {
		srcIdx := 0
		for ii, axis := range permutation {
			srcIdx += indices[ii] * srcStrides[axis]
		}
		result.flat[flatIdx] = t.flat[srcIdx]
	}
	return result
}
