// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array of float64.
//
// Tensors hold the values of the nodes of a probabilistic graph, from scalars with 0 axes to
// arbitrarily large dimensions. They are defined by their shape and their flat (row-major) content.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor with the given
//     dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the given
//     dimensions and the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): generic conversion from a scalar or a regular
//     multidimensional slice. Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
//
// Tensors are treated as immutable values by the rest of the library: operations (see Add, MatMul,
// etc.) return new tensors, and Clone is used when a value needs to be kept independently.
package tensors

import (
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Tensor is a multidimensional array of float64 values, stored flat in row-major order.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// MultiDimensionSlice lists the Go types a Tensor can be converted from.
type MultiDimensionSlice interface {
	float64 | []float64 | [][]float64 | [][][]float64 | [][][][]float64
}

// FromShape returns a Tensor with the given shape, with all values set to zero.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromScalar creates a scalar tensor with the given value.
func FromScalar[T constraints.Integer | constraints.Float](value T) *Tensor {
	return &Tensor{flat: []float64{float64(value)}}
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the given value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dimensions...))
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromShapeAndFlat is like FromFlatDataAndDimensions, but takes a shape.
func FromShapeAndFlat(shape shapes.Shape, data []float64) *Tensor {
	return FromFlatDataAndDimensions(data, shape.Dimensions...)
}

// Eye returns the identity matrix of dimension n, with shape [n, n].
func Eye(n int) *Tensor {
	t := FromShape(shapes.Make(n, n))
	for ii := 0; ii < n; ii++ {
		t.flat[ii*n+ii] = 1
	}
	return t
}

// FromValue returns a tensor constructed from the given multidimensional slice (or scalar).
// Slices of rank > 1 must be regular: all the sub-slices must have the same shape.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue, that also accepts integers and float32.
// If value is a *Tensor already, it is returned as is.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	v := reflect.ValueOf(value)
	var dims []int
	if err := shapeForValueRecursive(&dims, v); err != nil {
		panic(errors.Wrapf(err, "cannot create tensor from %T", value))
	}
	t := FromShape(shapes.Make(dims...))
	pos := 0
	copyValuesRecursively(t.flat, &pos, v)
	return t
}

func shapeForValueRecursive(dims *[]int, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return errors.Errorf("empty slice of type %s can't be converted to a tensor", v.Type())
		}
		*dims = append(*dims, v.Len())
		prefix := slices.Clone(*dims)
		if err := shapeForValueRecursive(dims, v.Index(0)); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			subDims := slices.Clone(prefix)
			if err := shapeForValueRecursive(&subDims, v.Index(ii)); err != nil {
				return err
			}
			if !slices.Equal(*dims, subDims) {
				return errors.Errorf("sub-slices have irregular shapes, found dimensions %v and %v", *dims, subDims)
			}
		}
	case reflect.Float64, reflect.Float32, reflect.Int, reflect.Int64, reflect.Int32:
		return nil
	default:
		return errors.Errorf("cannot convert type %s to a tensor", v.Type())
	}
	return nil
}

func copyValuesRecursively(flat []float64, pos *int, v reflect.Value) {
	switch v.Kind() {
	case reflect.Slice:
		for ii := range v.Len() {
			copyValuesRecursively(flat, pos, v.Index(ii))
		}
	case reflect.Float64, reflect.Float32:
		flat[*pos] = v.Float()
		*pos++
	default:
		flat[*pos] = float64(v.Int())
		*pos++
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// IsScalar returns whether the tensor has rank 0.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Flat returns the flat row-major values of the tensor.
// The returned slice is owned by the tensor and must not be modified.
func (t *Tensor) Flat() []float64 { return t.flat }

// CopyFlat returns a copy of the flat values of the tensor.
func (t *Tensor) CopyFlat() []float64 { return slices.Clone(t.flat) }

// Scalar returns the single value of a tensor with size 1 (typically a scalar).
// It panics if the tensor has more than one element.
func (t *Tensor) Scalar() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("Tensor.Scalar() called on tensor of shape %s", t.shape)
	}
	return t.flat[0]
}

// At returns the value at the given indices, one per axis.
func (t *Tensor) At(indices ...int) float64 {
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v) requires %d indices for shape %s", indices, t.Rank(), t.shape)
	}
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			exceptions.Panicf("Tensor.At(%v) out of bounds for shape %s", indices, t.shape)
		}
		idx = idx*dim + i
	}
	return t.flat[idx]
}

// Value returns the tensor as a Go value: a float64 for scalars, or a multidimensional slice.
func (t *Tensor) Value() any {
	if t.IsScalar() {
		return t.flat[0]
	}
	return convertDataToSlices(reflect.ValueOf(slices.Clone(t.flat)), t.shape.Dimensions...).Interface()
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given
// dimensions that points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type()
	for range dimensions[1:] {
		resultT = reflect.SliceOf(resultT)
	}
	stride := dataV.Len() / dimensions[0]
	slice := reflect.MakeSlice(resultT, dimensions[0], dimensions[0])
	for ii := range dimensions[0] {
		sub := dataV.Slice(ii*stride, (ii+1)*stride)
		slice.Index(ii).Set(convertDataToSlices(sub, dimensions[1:]...))
	}
	return slice
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Reshape returns a copy of the tensor with a new shape of the same size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Reshape(%v) of tensor of shape %s: sizes differ", dimensions, t.shape)
	}
	return &Tensor{shape: shape, flat: slices.Clone(t.flat)}
}

// Equal checks whether t and otherTensor have the same shape and bit-exact same values.
// NaN values are considered equal if they have the same bits.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil {
		return false
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Float64bits(v) != math.Float64bits(otherTensor.flat[ii]) {
			return false
		}
	}
	return true
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element, and that the shapes are the same.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil {
		return false
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-otherTensor.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// IsFinite returns whether all values are finite (no NaN or infinities).
func (t *Tensor) IsFinite() bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
