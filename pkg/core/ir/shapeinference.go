// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/shapes"
	"github.com/pkg/errors"
)

// This file holds the type inference of the high-level operations: it validates the operand types and
// returns the type of the result.

func checkScalarOrVector(opType OpType, t Type) error {
	if t.Kind != KindScalar && t.Kind != KindVector {
		return errors.Errorf("%s: operands must be scalars or vectors, got %s", opType, t)
	}
	return nil
}

// UnaryOpType returns the result type of an elementwise unary operation.
func UnaryOpType(opType OpType, operand Type) (Type, error) {
	if !UnaryOperations.Has(opType) {
		return Type{}, errors.Errorf("%s is not a unary operation", opType)
	}
	if err := checkScalarOrVector(opType, operand); err != nil {
		return Type{}, err
	}
	if FloatOperations.Has(opType) && !operand.DType().IsFloat() {
		return Type{}, errors.Errorf("%s: operand must be float, got %s", opType, operand)
	}
	if operand.DType() == dtypes.Bool {
		return Type{}, errors.Errorf("%s: operand cannot be Bool", opType)
	}
	return operand.Clone(), nil
}

// BinaryOpType returns the result type of an elementwise binary operation. Both operands must have the same type:
// broadcasting must be explicit.
func BinaryOpType(opType OpType, lhs, rhs Type) (Type, error) {
	if !BinaryOperations.Has(opType) && !ComparisonOperations.Has(opType) {
		return Type{}, errors.Errorf("%s is not a binary operation", opType)
	}
	if err := checkScalarOrVector(opType, lhs); err != nil {
		return Type{}, err
	}
	if lhs.Kind != rhs.Kind || !lhs.Shape.Equal(rhs.Shape) {
		return Type{}, errors.Errorf("%s: operands must have the same type, got %s and %s", opType, lhs, rhs)
	}
	dtype := lhs.DType()
	if BitwiseOperations.Has(opType) && !dtype.IsInt() && dtype != dtypes.Bool {
		return Type{}, errors.Errorf("%s: operands must be integers, got %s", opType, lhs)
	}
	if !BitwiseOperations.Has(opType) && dtype == dtypes.Bool && opType != OpTypeEqual && opType != OpTypeNotEqual {
		return Type{}, errors.Errorf("%s: operands cannot be Bool", opType)
	}
	if ComparisonOperations.Has(opType) {
		return lhs.WithShape(lhs.Shape.WithDType(dtypes.Bool)), nil
	}
	return lhs.Clone(), nil
}

// SelectOpType returns the result type of Select(cond, onTrue, onFalse).
func SelectOpType(cond, onTrue, onFalse Type) (Type, error) {
	if err := checkScalarOrVector(OpTypeSelect, onTrue); err != nil {
		return Type{}, err
	}
	if cond.DType() != dtypes.Bool || cond.Kind != onTrue.Kind || !cond.Shape.EqualDimensions(onTrue.Shape) {
		return Type{}, errors.Errorf("select: condition must be Bool with the same dimensions as the values, got %s for values %s",
			cond, onTrue)
	}
	if !onTrue.Equal(onFalse) {
		return Type{}, errors.Errorf("select: values must have the same type, got %s and %s", onTrue, onFalse)
	}
	return onTrue.Clone(), nil
}

// ConvertOpType returns the type of converting operand to dtype.
func ConvertOpType(operand Type, dtype dtypes.DType) (Type, error) {
	if err := checkScalarOrVector(OpTypeConvertDType, operand); err != nil {
		return Type{}, err
	}
	if !dtype.IsSupported() || dtype == dtypes.Bool {
		return Type{}, errors.Errorf("convert: invalid target dtype %s", dtype)
	}
	return operand.WithShape(operand.Shape.WithDType(dtype)), nil
}

// BroadcastOpType returns the type of broadcasting operand to the given dimensions.
//
// The operand can be a scalar, or a vector whose axes are aligned with the trailing axes of the result, each
// either equal to the corresponding result dimension or 1.
func BroadcastOpType(operand Type, dims []int) (Type, error) {
	if err := checkScalarOrVector(OpTypeBroadcast, operand); err != nil {
		return Type{}, err
	}
	if len(dims) == 0 {
		return Type{}, errors.Errorf("broadcast: result must be a vector")
	}
	for _, dim := range dims {
		if dim <= 0 {
			return Type{}, errors.Errorf("broadcast: invalid dimensions %v", dims)
		}
	}
	if operand.IsVector() {
		rank, resultRank := operand.Rank(), len(dims)
		if rank > resultRank {
			return Type{}, errors.Errorf("broadcast: operand %s has rank larger than result dimensions %v", operand, dims)
		}
		for axis, dim := range operand.Dims() {
			resultDim := dims[resultRank-rank+axis]
			if dim != 1 && dim != resultDim {
				return Type{}, errors.Errorf("broadcast: operand %s not broadcastable to %v", operand, dims)
			}
		}
	}
	return VectorType(operand.DType(), dims...), nil
}

// ReshapeOpType returns the type of reshaping a vector.
func ReshapeOpType(operand Type, dims []int) (Type, error) {
	if !operand.IsVector() {
		return Type{}, errors.Errorf("reshape: operand must be a vector, got %s", operand)
	}
	newShape := shapes.Shape{DType: operand.DType(), Dimensions: slices.Clone(dims)}
	if newShape.Rank() == 0 || newShape.Size() != operand.Shape.Size() {
		return Type{}, errors.Errorf("reshape: cannot reshape %s to %v", operand, dims)
	}
	return Type{Kind: KindVector, Shape: newShape}, nil
}

// TransposeOpType returns the type of transposing a vector with the given permutation.
func TransposeOpType(operand Type, permutation []int) (Type, error) {
	if !operand.IsVector() || len(permutation) != operand.Rank() {
		return Type{}, errors.Errorf("transpose: invalid permutation %v for %s", permutation, operand)
	}
	dims := make([]int, len(permutation))
	seen := make([]bool, len(permutation))
	for ii, axis := range permutation {
		if axis < 0 || axis >= len(permutation) || seen[axis] {
			return Type{}, errors.Errorf("transpose: invalid permutation %v for %s", permutation, operand)
		}
		seen[axis] = true
		dims[ii] = operand.Dims()[axis]
	}
	return VectorType(operand.DType(), dims...), nil
}

// ReduceOpType returns the type of reducing the given axes of a vector. At least one axis must be left.
func ReduceOpType(operand Type, kind ReduceKind, axes []int) (Type, error) {
	if !operand.IsVector() || operand.DType() == dtypes.Bool {
		return Type{}, errors.Errorf("reduce: operand must be a numeric vector, got %s", operand)
	}
	if kind < ReduceSum || kind > ReduceMin {
		return Type{}, errors.Errorf("reduce: invalid kind %d", kind)
	}
	if len(axes) == 0 {
		return Type{}, errors.Errorf("reduce: no axes given")
	}
	reduced := make([]bool, operand.Rank())
	for _, axis := range axes {
		if axis < 0 || axis >= operand.Rank() || reduced[axis] {
			return Type{}, errors.Errorf("reduce: invalid axes %v for %s", axes, operand)
		}
		reduced[axis] = true
	}
	var dims []int
	for axis, dim := range operand.Dims() {
		if !reduced[axis] {
			dims = append(dims, dim)
		}
	}
	if len(dims) == 0 {
		return Type{}, errors.Errorf("reduce: reducing all axes of %s is not supported, at least one axis must remain", operand)
	}
	return VectorType(operand.DType(), dims...), nil
}

// MatmulOpType returns the type of acc + lhs x rhs, where lhs is [M, K], rhs is [K, N] and acc is [M, N].
func MatmulOpType(lhs, rhs, acc Type) (Type, error) {
	if !lhs.IsVector() || !rhs.IsVector() || !acc.IsVector() || lhs.Rank() != 2 || rhs.Rank() != 2 || acc.Rank() != 2 {
		return Type{}, errors.Errorf("matmul: operands must be rank-2 vectors, got %s, %s, %s", lhs, rhs, acc)
	}
	if lhs.DType() != rhs.DType() || !lhs.DType().IsFloat() && !lhs.DType().IsInt() {
		return Type{}, errors.Errorf("matmul: lhs and rhs must have the same numeric dtype, got %s and %s", lhs, rhs)
	}
	if acc.DType() != lhs.DType() && acc.DType() != dtypes.Float32 {
		return Type{}, errors.Errorf("matmul: accumulator must be Float32 or %s, got %s", lhs.DType(), acc)
	}
	m, k, n := lhs.Dims()[0], lhs.Dims()[1], rhs.Dims()[1]
	if rhs.Dims()[0] != k || acc.Dims()[0] != m || acc.Dims()[1] != n {
		return Type{}, errors.Errorf("matmul: incompatible dimensions %s x %s + %s", lhs, rhs, acc)
	}
	return acc.Clone(), nil
}

func checkIndices(opName string, f *Function, memref Type, indices []ValueID) error {
	if !memref.IsMemRef() {
		return errors.Errorf("%s: expected memref, got %s", opName, memref)
	}
	if len(indices) != memref.Rank() {
		return errors.Errorf("%s: %s requires %d indices, got %d", opName, memref, memref.Rank(), len(indices))
	}
	for ii, idx := range indices {
		if t := f.Type(idx); !t.IsScalar() || !t.DType().IsInt() {
			return errors.Errorf("%s: index #%d must be an integer scalar, got %s", opName, ii, t)
		}
	}
	return nil
}

// LoadOpType returns the type of loading a vector of the given dimensions (or a scalar if dims is empty)
// from memref.
func LoadOpType(f *Function, memref Type, dims []int, indices []ValueID) (Type, error) {
	if err := checkIndices("load", f, memref, indices); err != nil {
		return Type{}, err
	}
	if len(dims) == 0 {
		return ScalarType(memref.DType()), nil
	}
	if len(dims) != memref.Rank() {
		return Type{}, errors.Errorf("load: vector dimensions %v must have the same rank as %s", dims, memref)
	}
	for axis, dim := range dims {
		if dim <= 0 || dim > memref.Dims()[axis] {
			return Type{}, errors.Errorf("load: vector dimensions %v don't fit %s", dims, memref)
		}
	}
	return VectorType(memref.DType(), dims...), nil
}

// StoreCheck validates storing value into memref at indices.
func StoreCheck(f *Function, value, memref Type, indices []ValueID) error {
	if err := checkIndices("store", f, memref, indices); err != nil {
		return err
	}
	if value.DType() != memref.DType() {
		return errors.Errorf("store: value %s and %s have different dtypes", value, memref)
	}
	if value.IsScalar() {
		return nil
	}
	if !value.IsVector() || value.Rank() != memref.Rank() {
		return errors.Errorf("store: value %s must be a vector with the same rank as %s", value, memref)
	}
	for axis, dim := range value.Dims() {
		if dim > memref.Dims()[axis] {
			return errors.Errorf("store: value %s doesn't fit in %s", value, memref)
		}
	}
	return nil
}

// MemRefSliceOpType returns the type of a view of memref with the given dimensions.
func MemRefSliceOpType(f *Function, memref Type, dims []int, indices []ValueID) (Type, error) {
	if err := checkIndices("memref_slice", f, memref, indices); err != nil {
		return Type{}, err
	}
	if len(dims) != memref.Rank() {
		return Type{}, errors.Errorf("memref_slice: dimensions %v must have the same rank as %s", dims, memref)
	}
	for axis, dim := range dims {
		if dim <= 0 || dim > memref.Dims()[axis] {
			return Type{}, errors.Errorf("memref_slice: dimensions %v don't fit %s", dims, memref)
		}
	}
	return memref.WithShape(shapes.Make(memref.DType(), dims...)), nil
}

// MemRefReshapeOpType returns the type of a reshaped view of memref. The tiling is kept only if the reshape
// preserves the order of the tiles: the minor dimension is unchanged and, for 2D tilings, both the old and the
// new second-minor dimensions are multiples of the tile rows.
func MemRefReshapeOpType(memref Type, dims []int) (Type, error) {
	if !memref.IsMemRef() || !memref.IsRowMajor() {
		return Type{}, errors.Errorf("memref_reshape: operand must be a row-major memref, got %s", memref)
	}
	newShape := shapes.Shape{DType: memref.DType(), Dimensions: slices.Clone(dims)}
	if newShape.Rank() == 0 || newShape.Size() != memref.Shape.Size() {
		return Type{}, errors.Errorf("memref_reshape: cannot reshape %s to %v", memref, dims)
	}
	result := memref.WithShape(newShape)
	if memref.Tiling != nil && !ReshapeKeepsTiling(memref.Dims(), dims, memref.Tiling) {
		result.Tiling = nil
	}
	return result, nil
}

// MemRefSqueezeOpType returns the type of memref with its leading unit dimensions removed, keeping
// at least as many axes as its tiling covers (and at least one).
func MemRefSqueezeOpType(memref Type) (Type, error) {
	if !memref.IsMemRef() || !memref.IsRowMajor() {
		return Type{}, errors.Errorf("memref_squeeze: operand must be a row-major memref, got %s", memref)
	}
	keep := max(1, len(memref.Tiling))
	dims := memref.Dims()
	start := 0
	for start < len(dims)-keep && dims[start] == 1 {
		start++
	}
	return memref.WithShape(shapes.Make(memref.DType(), dims[start:]...)), nil
}

// ReshapeKeepsTiling returns whether a memref tiled with tiling can be reshaped from dimensions from to
// dimensions to keeping its tiled layout.
func ReshapeKeepsTiling(from, to, tiling []int) bool {
	if len(from) < len(tiling) || len(to) < len(tiling) || from[len(from)-1] != to[len(to)-1] {
		return false
	}
	if len(tiling) == 1 {
		return true
	}
	rows := tiling[len(tiling)-2]
	return from[len(from)-2]%rows == 0 && to[len(to)-2]%rows == 0
}
