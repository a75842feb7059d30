// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/core/shapes"
	"github.com/gomlx/mosaic/pkg/support/xslices"
)

// Value is a runtime value: a scalar, a vector, a memory reference or a semaphore.
//
// Elements are held as float64 for every dtype: integers are exact up to 2^53.
type Value struct {
	Type ir.Type

	// Data holds the row-major elements of scalars (one element) and vectors.
	Data []float64

	MemRef    *MemRef
	Semaphore *Semaphore
}

// Scalar returns a scalar value, with x converted to dtype.
func Scalar(dtype dtypes.DType, x float64) Value {
	return Value{Type: ir.ScalarType(dtype), Data: []float64{convertValue(x, dtypes.Float64, dtype)}}
}

// Vector returns a vector value with the given row-major data, converted to dtype.
// It panics if the data size doesn't match the dimensions.
func Vector(dtype dtypes.DType, dims []int, data []float64) Value {
	if len(data) != xslices.Product(dims) {
		exceptions.Panicf("interp: %d values given for a vector of dimensions %v", len(data), dims)
	}
	values := make([]float64, len(data))
	for ii, x := range data {
		values[ii] = convertValue(x, dtypes.Float64, dtype)
	}
	return Value{Type: ir.VectorType(dtype, dims...), Data: values}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch {
	case v.MemRef != nil:
		return fmt.Sprintf("%s%v", v.Type, v.MemRef.Values())
	case v.Semaphore != nil:
		return fmt.Sprintf("semaphore(%d)", v.Semaphore.Count)
	}
	return fmt.Sprintf("%s%v", v.Type, v.Data)
}

// Buffer is the storage shared by a memory reference and its views.
type Buffer struct {
	Data []float64
}

// MemRef is a (possibly strided) view of a Buffer.
type MemRef struct {
	Buffer  *Buffer
	DType   dtypes.DType
	Dims    []int
	Strides []int
	Offset  int
}

// NewMemRef returns a memory reference value of type t (its memory space and tiling are kept in the Value
// type), backed by a new buffer holding a copy of the row-major data. If data is nil the buffer is
// zero-initialized.
func NewMemRef(t ir.Type, data []float64) Value {
	if !t.IsMemRef() {
		exceptions.Panicf("interp: NewMemRef requires a memref type, got %s", t)
	}
	size := t.Shape.Size()
	buffer := &Buffer{Data: make([]float64, size)}
	if data != nil {
		if len(data) != size {
			exceptions.Panicf("interp: %d values given for %s", len(data), t)
		}
		for ii, x := range data {
			buffer.Data[ii] = convertValue(x, dtypes.Float64, t.DType())
		}
	}
	m := &MemRef{
		Buffer:  buffer,
		DType:   t.DType(),
		Dims:    slices.Clone(t.Dims()),
		Strides: t.Shape.Strides(),
	}
	return Value{Type: t, MemRef: m}
}

// flat returns the buffer position of the element at index, or false if it is out of bounds.
func (m *MemRef) flat(index []int) (int, bool) {
	pos := m.Offset
	for axis, idx := range index {
		if idx < 0 || idx >= m.Dims[axis] {
			return 0, false
		}
		pos += idx * m.Strides[axis]
	}
	return pos, true
}

// At returns the element at index. It panics if out of bounds.
func (m *MemRef) At(index []int) float64 {
	pos, ok := m.flat(index)
	if !ok {
		exceptions.Panicf("interp: index %v out of bounds of memref of dimensions %v", index, m.Dims)
	}
	return m.Buffer.Data[pos]
}

// Set the element at index. It panics if out of bounds.
func (m *MemRef) Set(index []int, x float64) {
	pos, ok := m.flat(index)
	if !ok {
		exceptions.Panicf("interp: index %v out of bounds of memref of dimensions %v", index, m.Dims)
	}
	m.Buffer.Data[pos] = x
}

// Values returns a copy of the row-major contents of the memref view.
func (m *MemRef) Values() []float64 {
	shape := shapes.Make(m.DType, m.Dims...)
	values := make([]float64, shape.Size())
	shape.Iter(func(flatIdx int, indices []int) {
		values[flatIdx] = m.At(indices)
	})
	return values
}

// slice returns the view of the region starting at origin with the given dimensions.
func (m *MemRef) slice(origin, dims []int) *MemRef {
	for axis, o := range origin {
		if o < 0 || o+dims[axis] > m.Dims[axis] {
			exceptions.Panicf("interp: memref_slice of %v at %v out of bounds of %v", dims, origin, m.Dims)
		}
	}
	pos := m.Offset
	for axis, o := range origin {
		pos += o * m.Strides[axis]
	}
	return &MemRef{Buffer: m.Buffer, DType: m.DType, Dims: slices.Clone(dims), Strides: slices.Clone(m.Strides), Offset: pos}
}

// isContiguous returns whether the view covers a contiguous row-major region of its buffer.
func (m *MemRef) isContiguous() bool {
	stride := 1
	for axis := len(m.Dims) - 1; axis >= 0; axis-- {
		if m.Dims[axis] != 1 && m.Strides[axis] != stride {
			return false
		}
		stride *= m.Dims[axis]
	}
	return true
}

// reshape returns a view with new dimensions. Only contiguous views can be reshaped.
func (m *MemRef) reshape(dims []int) *MemRef {
	if !m.isContiguous() {
		exceptions.Panicf("interp: memref_reshape of a non-contiguous view of dimensions %v", m.Dims)
	}
	return &MemRef{Buffer: m.Buffer, DType: m.DType, Dims: slices.Clone(dims),
		Strides: shapes.Make(m.DType, dims...).Strides(), Offset: m.Offset}
}

// squeeze returns the view with the leading dimensions removed so that it has the given rank.
func (m *MemRef) squeeze(rank int) *MemRef {
	start := len(m.Dims) - rank
	return &MemRef{Buffer: m.Buffer, DType: m.DType, Dims: slices.Clone(m.Dims[start:]),
		Strides: slices.Clone(m.Strides[start:]), Offset: m.Offset}
}

// Semaphore is a counting semaphore.
type Semaphore struct {
	Count int64
}
