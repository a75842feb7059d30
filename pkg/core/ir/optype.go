// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/mosaic/pkg/support/sets"
)

// OpType is an enum of all operations of the IR.
//
// It includes the high-level (hardware agnostic) vector and memory operations, the structured
// "linalg" operations consumed by vectorization, and the lowered, vector-register (vreg) level
// operations produced by the layout lowering.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeConstant

	// Elementwise unary ops.

	OpTypeNeg
	OpTypeAbs
	OpTypeExp

	// Elementwise binary ops.

	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeRem
	OpTypeMax
	OpTypeMin
	OpTypeBitwiseAnd
	OpTypeBitwiseOr
	OpTypeBitwiseXor
	OpTypeShiftLeft

	// Comparisons: elementwise, result is Bool.

	OpTypeEqual
	OpTypeNotEqual
	OpTypeLessThan
	OpTypeLessOrEqual
	OpTypeGreaterThan
	OpTypeGreaterOrEqual

	OpTypeSelect
	OpTypeConvertDType
	OpTypeBroadcast
	OpTypeReshape
	OpTypeTranspose
	OpTypeReduce
	OpTypeMatmul

	// Memory ops.

	OpTypeLoad
	OpTypeStore
	OpTypeAlloca
	OpTypeMemRefSlice
	OpTypeMemRefReshape
	OpTypeMemRefSqueeze
	OpTypeMemorySpaceCast

	// Multi-chip ops.

	OpTypeDeviceID
	OpTypeEnqueueDMA
	OpTypeSemaphoreSignal
	OpTypeSemaphoreWait

	// Structured (linalg) ops on memory references.

	OpTypeLinalgElementwise
	OpTypeLinalgFill
	OpTypeLinalgMatmul

	// Lowered (vreg level) ops.

	OpTypeUnrollVectors
	OpTypeRollVectors
	OpTypeRelayout
	OpTypeVRegLoad
	OpTypeVRegStore
	OpTypeVRegBroadcast
	OpTypeVRegReduce
	OpTypeVRegTranspose
	OpTypeVRegConvert
	OpTypeMXUMatmul
	OpTypeAssert

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = map[OpType]string{
	OpTypeInvalid:           "invalid",
	OpTypeConstant:          "constant",
	OpTypeNeg:               "neg",
	OpTypeAbs:               "abs",
	OpTypeExp:               "exp",
	OpTypeAdd:               "add",
	OpTypeSub:               "sub",
	OpTypeMul:               "mul",
	OpTypeDiv:               "div",
	OpTypeRem:               "rem",
	OpTypeMax:               "max",
	OpTypeMin:               "min",
	OpTypeBitwiseAnd:        "and",
	OpTypeBitwiseOr:         "or",
	OpTypeBitwiseXor:        "xor",
	OpTypeShiftLeft:         "shl",
	OpTypeEqual:             "cmp_eq",
	OpTypeNotEqual:          "cmp_ne",
	OpTypeLessThan:          "cmp_lt",
	OpTypeLessOrEqual:       "cmp_le",
	OpTypeGreaterThan:       "cmp_gt",
	OpTypeGreaterOrEqual:    "cmp_ge",
	OpTypeSelect:            "select",
	OpTypeConvertDType:      "convert",
	OpTypeBroadcast:         "broadcast",
	OpTypeReshape:           "reshape",
	OpTypeTranspose:         "transpose",
	OpTypeReduce:            "reduce",
	OpTypeMatmul:            "matmul",
	OpTypeLoad:              "load",
	OpTypeStore:             "store",
	OpTypeAlloca:            "alloca",
	OpTypeMemRefSlice:       "memref_slice",
	OpTypeMemRefReshape:     "memref_reshape",
	OpTypeMemRefSqueeze:     "memref_squeeze",
	OpTypeMemorySpaceCast:   "memory_space_cast",
	OpTypeDeviceID:          "device_id",
	OpTypeEnqueueDMA:        "enqueue_dma",
	OpTypeSemaphoreSignal:   "sem_signal",
	OpTypeSemaphoreWait:     "sem_wait",
	OpTypeLinalgElementwise: "linalg.elementwise",
	OpTypeLinalgFill:        "linalg.fill",
	OpTypeLinalgMatmul:      "linalg.matmul",
	OpTypeUnrollVectors:     "unroll_vectors",
	OpTypeRollVectors:       "roll_vectors",
	OpTypeRelayout:          "relayout",
	OpTypeVRegLoad:          "vreg_load",
	OpTypeVRegStore:         "vreg_store",
	OpTypeVRegBroadcast:     "vreg_broadcast",
	OpTypeVRegReduce:        "vreg_reduce",
	OpTypeVRegTranspose:     "vreg_transpose",
	OpTypeVRegConvert:       "vreg_convert",
	OpTypeMXUMatmul:         "mxu_matmul",
	OpTypeAssert:            "assert",
}

// String implements fmt.Stringer.
func (opType OpType) String() string {
	if name, found := opTypeNames[opType]; found {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int(opType))
}

var (
	// UnaryOperations are elementwise with one operand.
	UnaryOperations = sets.MakeWith(OpTypeNeg, OpTypeAbs, OpTypeExp)

	// BinaryOperations are elementwise with two operands of the same type.
	BinaryOperations = sets.MakeWith(
		OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv, OpTypeRem, OpTypeMax, OpTypeMin,
		OpTypeBitwiseAnd, OpTypeBitwiseOr, OpTypeBitwiseXor, OpTypeShiftLeft)

	// ComparisonOperations are elementwise with two operands, and yield Bool values.
	ComparisonOperations = sets.MakeWith(
		OpTypeEqual, OpTypeNotEqual, OpTypeLessThan, OpTypeLessOrEqual, OpTypeGreaterThan, OpTypeGreaterOrEqual)

	// BitwiseOperations only accept integer (or Bool) operands.
	BitwiseOperations = sets.MakeWith(OpTypeBitwiseAnd, OpTypeBitwiseOr, OpTypeBitwiseXor, OpTypeShiftLeft)

	// FloatOperations only accept float operands.
	FloatOperations = sets.MakeWith(OpTypeExp)

	// MemRefViewOperations create a new memory reference that aliases the buffer of their first operand.
	MemRefViewOperations = sets.MakeWith(OpTypeMemRefSlice, OpTypeMemRefReshape, OpTypeMemRefSqueeze)
)

// IsElementwise returns whether the op type is a unary, binary or comparison elementwise operation,
// or Select.
func (opType OpType) IsElementwise() bool {
	return UnaryOperations.Has(opType) || BinaryOperations.Has(opType) || ComparisonOperations.Has(opType) ||
		opType == OpTypeSelect
}
