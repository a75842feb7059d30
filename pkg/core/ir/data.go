// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"math"
)

// ConstantData is the Data of OpTypeConstant.
//
// Scalar and vector constants are splats of Value. Memory reference constants (read-only tables)
// hold their row-major contents in Dense.
type ConstantData struct {
	Value float64
	Dense []float64
}

func (d ConstantData) String() string {
	if d.Dense != nil {
		return fmt.Sprintf("dense%v", d.Dense)
	}
	return fmt.Sprint(d.Value)
}

// ConstantInt returns the integer value of a scalar (or splat) integer constant defined by op.
func ConstantInt(f *Function, v ValueID) (int64, bool) {
	op := f.DefiningOp(v)
	if op == nil || op.Type != OpTypeConstant {
		return 0, false
	}
	data, ok := op.Data.(ConstantData)
	if !ok || data.Dense != nil {
		return 0, false
	}
	if !f.Type(v).DType().IsInt() || data.Value != math.Trunc(data.Value) {
		return 0, false
	}
	return int64(data.Value), true
}

// ReduceKind is the combiner of a reduction.
type ReduceKind int

const (
	ReduceSum ReduceKind = iota
	ReduceMax
	ReduceMin
)

func (k ReduceKind) String() string {
	switch k {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return fmt.Sprintf("ReduceKind(%d)", int(k))
}

// ReduceData is the Data of OpTypeReduce.
type ReduceData struct {
	Kind ReduceKind
	Axes []int
}

func (d ReduceData) String() string { return fmt.Sprintf("%s over %v", d.Kind, d.Axes) }

// TransposeData is the Data of OpTypeTranspose.
type TransposeData struct {
	Permutation []int
}

func (d TransposeData) String() string { return fmt.Sprintf("permutation=%v", d.Permutation) }

// MemorySpaceCastData is the Data of OpTypeMemorySpaceCast.
type MemorySpaceCastData struct {
	Space MemorySpace
}

func (d MemorySpaceCastData) String() string { return d.Space.String() }

// LinalgElementwiseData is the Data of OpTypeLinalgElementwise: the elementwise operation applied.
type LinalgElementwiseData struct {
	Kind OpType
}

func (d LinalgElementwiseData) String() string { return d.Kind.String() }
