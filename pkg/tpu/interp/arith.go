// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
)

// maxExactIndex is the largest magnitude of an Index value the interpreter accepts: Index overflow is
// undefined behavior, and beyond it float64 can't hold the value exactly anyway.
const maxExactIndex = 1 << 53

func checkIndex(x int64) float64 {
	if x > maxExactIndex || x < -maxExactIndex {
		exceptions.Panicf("interp: Index overflow (%d)", x)
	}
	return float64(x)
}

// fromInt wraps x to the dtype (or checks for overflow if it is an Index).
func fromInt(dtype dtypes.DType, x int64) float64 {
	if dtype == dtypes.Index {
		return checkIndex(x)
	}
	return float64(dtype.WrapInt(x))
}

// convertValue converts x from one dtype to another.
//
// Floats converted to integers are truncated towards zero and saturated, with NaN converted to 0. Integers
// converted to narrower integers wrap around.
func convertValue(x float64, from, to dtypes.DType) float64 {
	switch {
	case to == dtypes.Bool:
		if x != 0 {
			return 1
		}
		return 0
	case to.IsFloat():
		return to.RoundFloat(x)
	}
	if from.IsFloat() {
		if math.IsNaN(x) {
			return 0
		}
		x = math.Trunc(x)
		if to == dtypes.Index {
			return checkIndex(int64(max(min(x, math.MaxInt64), math.MinInt64)))
		}
		return max(min(x, to.HighestValue()), to.LowestValue())
	}
	return fromInt(to, int64(x))
}

func unaryValue(opType ir.OpType, dtype dtypes.DType, x float64) float64 {
	if dtype.IsFloat() {
		var y float64
		switch opType {
		case ir.OpTypeNeg:
			y = -x
		case ir.OpTypeAbs:
			y = math.Abs(x)
		case ir.OpTypeExp:
			y = math.Exp(x)
		default:
			exceptions.Panicf("interp: unsupported unary op %s", opType)
		}
		return dtype.RoundFloat(y)
	}
	a := int64(x)
	switch opType {
	case ir.OpTypeNeg:
		return fromInt(dtype, -a)
	case ir.OpTypeAbs:
		if a < 0 {
			a = -a
		}
		return fromInt(dtype, a)
	}
	exceptions.Panicf("interp: unsupported unary op %s for %s", opType, dtype)
	return 0
}

func binaryValue(opType ir.OpType, dtype dtypes.DType, x, y float64) float64 {
	if ir.ComparisonOperations.Has(opType) {
		return compareValues(opType, x, y)
	}
	if dtype.IsFloat() {
		var z float64
		switch opType {
		case ir.OpTypeAdd:
			z = x + y
		case ir.OpTypeSub:
			z = x - y
		case ir.OpTypeMul:
			z = x * y
		case ir.OpTypeDiv:
			z = x / y
		case ir.OpTypeRem:
			z = math.Mod(x, y)
		case ir.OpTypeMax:
			z = math.Max(x, y)
		case ir.OpTypeMin:
			z = math.Min(x, y)
		default:
			exceptions.Panicf("interp: unsupported binary op %s for %s", opType, dtype)
		}
		return dtype.RoundFloat(z)
	}

	a, b := int64(x), int64(y)
	var c int64
	switch opType {
	case ir.OpTypeAdd:
		c = a + b
	case ir.OpTypeSub:
		c = a - b
	case ir.OpTypeMul:
		if dtype == dtypes.Index && a != 0 && (b > maxExactIndex/absInt(a) || b < -maxExactIndex/absInt(a)) {
			exceptions.Panicf("interp: Index overflow (%d * %d)", a, b)
		}
		c = a * b
	case ir.OpTypeDiv:
		// Integer division by zero yields 0.
		if b != 0 {
			c = a / b
		}
	case ir.OpTypeRem:
		if b != 0 {
			c = a % b
		}
	case ir.OpTypeMax:
		c = max(a, b)
	case ir.OpTypeMin:
		c = min(a, b)
	case ir.OpTypeBitwiseAnd:
		c = a & b
	case ir.OpTypeBitwiseOr:
		c = a | b
	case ir.OpTypeBitwiseXor:
		c = a ^ b
	case ir.OpTypeShiftLeft:
		bits := int64(dtype.Bits())
		switch {
		case b < 0 || b >= bits && dtype != dtypes.Index:
			c = 0
		case dtype == dtypes.Index && (b >= 63 || a != 0 && absInt(a) > maxExactIndex>>b):
			exceptions.Panicf("interp: Index overflow (%d << %d)", a, b)
		default:
			c = a << b
		}
	default:
		exceptions.Panicf("interp: unsupported binary op %s for %s", opType, dtype)
	}
	return fromInt(dtype, c)
}

func absInt(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

func compareValues(opType ir.OpType, x, y float64) float64 {
	var result bool
	switch opType {
	case ir.OpTypeEqual:
		result = x == y
	case ir.OpTypeNotEqual:
		result = x != y
	case ir.OpTypeLessThan:
		result = x < y
	case ir.OpTypeLessOrEqual:
		result = x <= y
	case ir.OpTypeGreaterThan:
		result = x > y
	case ir.OpTypeGreaterOrEqual:
		result = x >= y
	}
	if result {
		return 1
	}
	return 0
}

// reduceIdentity returns the initial value of a reduction.
func reduceIdentity(kind ir.ReduceKind, dtype dtypes.DType) float64 {
	switch kind {
	case ir.ReduceMax:
		return dtype.LowestValue()
	case ir.ReduceMin:
		return dtype.HighestValue()
	}
	return 0
}

// reduceStep combines the accumulated value with x. Sums are accumulated in float64 and only rounded (or
// wrapped) by reduceFinal.
func reduceStep(kind ir.ReduceKind, acc, x float64) float64 {
	switch kind {
	case ir.ReduceMax:
		return math.Max(acc, x)
	case ir.ReduceMin:
		return math.Min(acc, x)
	}
	return acc + x
}

func reduceFinal(dtype dtypes.DType, acc float64) float64 {
	if dtype.IsFloat() {
		return dtype.RoundFloat(acc)
	}
	return fromInt(dtype, int64(acc))
}
