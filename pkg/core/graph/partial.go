// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
)

// PartialDerivative holds the derivative of a value ("of") with respect to another value ("wrt").
//
// Its tensor has shape concat(of, wrt): the element at [i..., j...] is d(of[i...])/d(wrt[j...]).
// All operations return new partials, the receiver is never modified.
type PartialDerivative struct {
	ofShape, wrtShape shapes.Shape
	value             *tensors.Tensor
}

// NewPartialDerivative creates a partial from its "of" and "wrt" shapes and a value of shape concat(of, wrt).
func NewPartialDerivative(ofShape, wrtShape shapes.Shape, value *tensors.Tensor) *PartialDerivative {
	want := shapes.ConcatenateDimensions(ofShape, wrtShape)
	if !value.Shape().Equal(want) {
		exceptions.Panicf("partial derivative of %s with respect to %s must have shape %s, got %s",
			ofShape, wrtShape, want, value.Shape())
	}
	return &PartialDerivative{ofShape: ofShape.Clone(), wrtShape: wrtShape.Clone(), value: value}
}

// ZeroPartialDerivative returns the zero partial of ofShape with respect to wrtShape.
func ZeroPartialDerivative(ofShape, wrtShape shapes.Shape) *PartialDerivative {
	return &PartialDerivative{
		ofShape:  ofShape.Clone(),
		wrtShape: wrtShape.Clone(),
		value:    tensors.FromShape(shapes.ConcatenateDimensions(ofShape, wrtShape)),
	}
}

// IdentityPartialDerivative returns the derivative of a value of the given shape with respect to itself.
func IdentityPartialDerivative(shape shapes.Shape) *PartialDerivative {
	size := shape.Size()
	eye := tensors.Eye(size)
	return newPartialFromFlat(shape, shape, eye.Flat())
}

// newPartialFromFlat creates a partial taking ownership of a copy of the flat values.
func newPartialFromFlat(ofShape, wrtShape shapes.Shape, flat []float64) *PartialDerivative {
	shape := shapes.ConcatenateDimensions(ofShape, wrtShape)
	return &PartialDerivative{ofShape: ofShape.Clone(), wrtShape: wrtShape.Clone(), value: tensors.FromShapeAndFlat(shape, flat)}
}

// OfShape is the shape of the differentiated value.
func (p *PartialDerivative) OfShape() shapes.Shape { return p.ofShape }

// WrtShape is the shape of the value with respect to which the derivative is taken.
func (p *PartialDerivative) WrtShape() shapes.Shape { return p.wrtShape }

// Value returns the tensor with shape concat(of, wrt).
func (p *PartialDerivative) Value() *tensors.Tensor { return p.value }

// String implements fmt.Stringer.
func (p *PartialDerivative) String() string {
	return p.value.String()
}

// dims returns the flattened sizes of the "of" and "wrt" sides.
func (p *PartialDerivative) dims() (ofSize, wrtSize int) {
	return p.ofShape.Size(), p.wrtShape.Size()
}

// Add returns p + other. Either can be nil, meaning zero; if both are nil it returns nil.
func (p *PartialDerivative) Add(other *PartialDerivative) *PartialDerivative {
	if p == nil {
		return other
	}
	if other == nil {
		return p
	}
	if !p.ofShape.Equal(other.ofShape) || !p.wrtShape.Equal(other.wrtShape) {
		exceptions.Panicf("cannot add partial derivatives of different shapes: d%s/d%s and d%s/d%s",
			p.ofShape, p.wrtShape, other.ofShape, other.wrtShape)
	}
	return &PartialDerivative{ofShape: p.ofShape, wrtShape: p.wrtShape, value: tensors.Add(p.value, other.value)}
}

// Scale returns the partial multiplied by a constant.
func (p *PartialDerivative) Scale(c float64) *PartialDerivative {
	return &PartialDerivative{ofShape: p.ofShape, wrtShape: p.wrtShape, value: tensors.Scale(p.value, c)}
}

// MultiplyAlongOfDimensions multiplies each "of" element i by multiplier[i]: it is the chain rule for an
// element-wise function in forward mode. multiplier must have the "of" shape, or size 1.
func (p *PartialDerivative) MultiplyAlongOfDimensions(multiplier *tensors.Tensor) *PartialDerivative {
	m := tensors.BroadcastTo(multiplier, p.ofShape).Flat()
	ofSize, wrtSize := p.dims()
	flat := p.value.CopyFlat()
	for i := 0; i < ofSize; i++ {
		floats.Scale(m[i], flat[i*wrtSize:(i+1)*wrtSize])
	}
	return newPartialFromFlat(p.ofShape, p.wrtShape, flat)
}

// MultiplyAlongWrtDimensions multiplies each "wrt" element j by multiplier[j]: it is the chain rule for an
// element-wise function in reverse mode. multiplier must have the "wrt" shape, or size 1.
func (p *PartialDerivative) MultiplyAlongWrtDimensions(multiplier *tensors.Tensor) *PartialDerivative {
	m := tensors.BroadcastTo(multiplier, p.wrtShape).Flat()
	ofSize, wrtSize := p.dims()
	flat := p.value.CopyFlat()
	for i := 0; i < ofSize; i++ {
		floats.Mul(flat[i*wrtSize:(i+1)*wrtSize], m)
	}
	return newPartialFromFlat(p.ofShape, p.wrtShape, flat)
}

// BroadcastOf replicates a partial whose "of" side has size 1 into the new "of" shape. If the "of" shape
// is already ofShape, p is returned.
func (p *PartialDerivative) BroadcastOf(ofShape shapes.Shape) *PartialDerivative {
	if p.ofShape.Equal(ofShape) {
		return p
	}
	if p.ofShape.Size() != 1 {
		exceptions.Panicf("cannot broadcast partial derivative of %s to %s", p.ofShape, ofShape)
	}
	src := p.value.Flat()
	wrtSize := len(src)
	flat := make([]float64, ofShape.Size()*wrtSize)
	for i := 0; i < ofShape.Size(); i++ {
		copy(flat[i*wrtSize:], src)
	}
	return newPartialFromFlat(ofShape, p.wrtShape, flat)
}

// BroadcastWrt replicates a partial whose "wrt" side has size 1 into the new "wrt" shape. If the "wrt"
// shape is already wrtShape, p is returned.
func (p *PartialDerivative) BroadcastWrt(wrtShape shapes.Shape) *PartialDerivative {
	if p.wrtShape.Equal(wrtShape) {
		return p
	}
	if p.wrtShape.Size() != 1 {
		exceptions.Panicf("cannot broadcast partial derivative with respect to %s to %s", p.wrtShape, wrtShape)
	}
	src := p.value.Flat()
	wrtSize := wrtShape.Size()
	flat := make([]float64, len(src)*wrtSize)
	for i, v := range src {
		floats.AddConst(v, flat[i*wrtSize:(i+1)*wrtSize])
	}
	return newPartialFromFlat(p.ofShape, wrtShape, flat)
}

// SumOverOf sums the partial over all "of" elements, resulting in a partial of a value of shape ofShape,
// which must have size 1. If the "of" shape is already ofShape, p is returned.
func (p *PartialDerivative) SumOverOf(ofShape shapes.Shape) *PartialDerivative {
	if p.ofShape.Equal(ofShape) {
		return p
	}
	if ofShape.Size() != 1 {
		exceptions.Panicf("cannot sum partial derivative of %s into %s", p.ofShape, ofShape)
	}
	ofSize, wrtSize := p.dims()
	src := p.value.Flat()
	flat := make([]float64, wrtSize)
	for i := 0; i < ofSize; i++ {
		floats.Add(flat, src[i*wrtSize:(i+1)*wrtSize])
	}
	return newPartialFromFlat(ofShape, p.wrtShape, flat)
}

// SumOverWrt sums the partial over all "wrt" elements, resulting in a partial with respect to a value of
// shape wrtShape, which must have size 1. If the "wrt" shape is already wrtShape, p is returned.
func (p *PartialDerivative) SumOverWrt(wrtShape shapes.Shape) *PartialDerivative {
	if p.wrtShape.Equal(wrtShape) {
		return p
	}
	if wrtShape.Size() != 1 {
		exceptions.Panicf("cannot sum partial derivative with respect to %s into %s", p.wrtShape, wrtShape)
	}
	ofSize, wrtSize := p.dims()
	src := p.value.Flat()
	flat := make([]float64, ofSize)
	for i := 0; i < ofSize; i++ {
		flat[i] = floats.Sum(src[i*wrtSize : (i+1)*wrtSize])
	}
	return newPartialFromFlat(p.ofShape, wrtShape, flat)
}

func (p *PartialDerivative) assertRank2(side string, shape shapes.Shape) {
	if shape.Rank() != 2 {
		exceptions.Panicf("matrix operation on the %q side of a partial derivative requires rank 2, got %s", side, shape)
	}
}

// MatMulOfRight returns the partial of (of · rhs): for of = [a, k] and rhs = [k, n], the new "of" is [a, n].
// It is the forward mode rule for the left operand of a matrix multiplication.
func (p *PartialDerivative) MatMulOfRight(rhs *tensors.Tensor) *PartialDerivative {
	p.assertRank2("of", p.ofShape)
	a, k := p.ofShape.Dimensions[0], p.ofShape.Dimensions[1]
	n := rhs.Shape().Dim(1)
	_, wrtSize := p.dims()
	// [a, k, w] -> [a, w, k] -> [a*w, k] · [k, n] -> [a, w, n] -> [a, n, w]
	v := tensors.Permute(p.value.Reshape(a, k, wrtSize), 0, 2, 1).Reshape(a*wrtSize, k)
	v = tensors.MatMul(v, rhs).Reshape(a, wrtSize, n)
	v = tensors.Permute(v, 0, 2, 1)
	return newPartialFromFlat(shapes.Make(a, n), p.wrtShape, v.Flat())
}

// MatMulOfLeft returns the partial of (lhs · of): for lhs = [a, k] and of = [k, n], the new "of" is [a, n].
// It is the forward mode rule for the right operand of a matrix multiplication.
func (p *PartialDerivative) MatMulOfLeft(lhs *tensors.Tensor) *PartialDerivative {
	p.assertRank2("of", p.ofShape)
	k, n := p.ofShape.Dimensions[0], p.ofShape.Dimensions[1]
	a := lhs.Shape().Dim(0)
	_, wrtSize := p.dims()
	// [k, n*w] -> [a, n*w]
	v := tensors.MatMul(lhs, p.value.Reshape(k, n*wrtSize))
	return newPartialFromFlat(shapes.Make(a, n), p.wrtShape, v.Flat())
}

// MatMulWrtRight multiplies the "wrt" side by rhs: for wrt = [a, n] and rhs = [n, k], the new "wrt"
// is [a, k]. It is the reverse mode rule for the left operand of a matrix multiplication, with rhs = B^T.
func (p *PartialDerivative) MatMulWrtRight(rhs *tensors.Tensor) *PartialDerivative {
	p.assertRank2("wrt", p.wrtShape)
	a, n := p.wrtShape.Dimensions[0], p.wrtShape.Dimensions[1]
	k := rhs.Shape().Dim(1)
	ofSize, _ := p.dims()
	// [o*a, n] · [n, k] -> [o*a, k]
	v := tensors.MatMul(p.value.Reshape(ofSize*a, n), rhs)
	return newPartialFromFlat(p.ofShape, shapes.Make(a, k), v.Flat())
}

// MatMulWrtLeft is the reverse mode rule for the right operand of a matrix multiplication: for
// wrt = [a, n] and lhs = [k, a] (lhs = A^T), the new "wrt" is [k, n] with values lhs · p along "wrt".
func (p *PartialDerivative) MatMulWrtLeft(lhs *tensors.Tensor) *PartialDerivative {
	p.assertRank2("wrt", p.wrtShape)
	a, n := p.wrtShape.Dimensions[0], p.wrtShape.Dimensions[1]
	k := lhs.Shape().Dim(0)
	ofSize, _ := p.dims()
	// [o, a, n] -> [a, o, n] -> [a, o*n]; [k, a] · [a, o*n] -> [k, o, n] -> [o, k, n]
	v := tensors.Permute(p.value.Reshape(ofSize, a, n), 1, 0, 2).Reshape(a, ofSize*n)
	v = tensors.MatMul(lhs, v).Reshape(k, ofSize, n)
	v = tensors.Permute(v, 1, 0, 2)
	return newPartialFromFlat(p.ofShape, shapes.Make(k, n), v.Flat())
}

// TransposeOf transposes the (rank-2) "of" side of the partial.
func (p *PartialDerivative) TransposeOf() *PartialDerivative {
	p.assertRank2("of", p.ofShape)
	a, b := p.ofShape.Dimensions[0], p.ofShape.Dimensions[1]
	_, wrtSize := p.dims()
	v := tensors.Permute(p.value.Reshape(a, b, wrtSize), 1, 0, 2)
	return newPartialFromFlat(shapes.Make(b, a), p.wrtShape, v.Flat())
}

// TransposeWrt transposes the (rank-2) "wrt" side of the partial.
func (p *PartialDerivative) TransposeWrt() *PartialDerivative {
	p.assertRank2("wrt", p.wrtShape)
	a, b := p.wrtShape.Dimensions[0], p.wrtShape.Dimensions[1]
	ofSize, _ := p.dims()
	v := tensors.Permute(p.value.Reshape(ofSize, a, b), 0, 2, 1)
	return newPartialFromFlat(p.ofShape, shapes.Make(b, a), v.Flat())
}
