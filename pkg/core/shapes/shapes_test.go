// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 3, s.Dim(-1))
	assert.False(t, s.IsScalar())
	assert.True(t, Scalar().IsScalar())
	assert.Equal(t, 1, Scalar().Size())
	require.Panics(t, func() { _ = Make(2, 0) })
	require.Panics(t, func() { _ = s.Dim(2) })
}

func TestConcatenateDimensions(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4}, ConcatenateDimensions(Make(2, 3), Make(4)).Dimensions)
	assert.True(t, ConcatenateDimensions(Scalar(), Make(4)).Equal(Make(4)))
	assert.True(t, ConcatenateDimensions(Make(4), Scalar()).Equal(Make(4)))
	assert.True(t, ConcatenateDimensions(Scalar(), Scalar()).IsScalar())
}

func TestCheckDims(t *testing.T) {
	s := Make(2, 3)
	require.NoError(t, s.CheckDims(2, UncheckedAxis))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.CheckDims(3, 3))
	require.Panics(t, func() { s.AssertDims(1, 1) })
}

func TestIter(t *testing.T) {
	s := Make(2, 3)
	assert.Equal(t, []int{3, 1}, s.Strides())
	var got [][]int
	for flatIdx, indices := range s.Iter() {
		assert.Equal(t, len(got), flatIdx)
		got = append(got, slices.Clone(indices))
	}
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, got)

	count := 0
	for range Scalar().Iter() {
		count++
	}
	assert.Equal(t, 1, count)
}
