// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package divisibility proves (conservatively) that integer values of a function are multiples of a
// constant.
//
// The analysis walks back the defining operations of a value for at most "fuel" steps, tracking the
// largest known divisor of each value. It never errors: unknown operations, parameters or running out
// of fuel simply yield "not proven".
//
// Index arithmetic never overflows (overflow is undefined behavior), so divisibility follows the usual
// rules of integer arithmetic. Fixed-width integers wrap around, and only keep the power of 2 factors
// of their known multiples across arithmetic operations.
package divisibility

import (
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
)

// DefaultFuel is the default bound on the number of defining operations visited on any path.
const DefaultFuel = 8

// Analysis caches the known multiples of the values of one function. It is not safe for concurrent
// use: create one per pass invocation.
type Analysis struct {
	f     *ir.Function
	cache map[cacheKey]int64
}

type cacheKey struct {
	v    ir.ValueID
	fuel int
}

// New creates an Analysis for the function f.
func New(f *ir.Function) *Analysis {
	return &Analysis{f: f, cache: make(map[cacheKey]int64)}
}

// IsGuaranteedDivisible returns whether v is a multiple of divisor for every execution of the function.
// A divisor <= 0 is never proven.
func IsGuaranteedDivisible(f *ir.Function, v ir.ValueID, divisor int64, fuel int) bool {
	return New(f).IsGuaranteedDivisible(v, divisor, fuel)
}

// IsGuaranteedDivisible returns whether v is a multiple of divisor for every execution of the function.
func (a *Analysis) IsGuaranteedDivisible(v ir.ValueID, divisor int64, fuel int) bool {
	if divisor <= 0 {
		return false
	}
	if divisor == 1 {
		return true
	}
	multiple := a.KnownMultiple(v, fuel)
	// A multiple of 0 means the value is always 0, which is divisible by anything.
	return multiple == 0 || multiple%divisor == 0
}

// KnownMultiple returns a positive number that v is guaranteed to be a multiple of, or 0 if v is
// guaranteed to be 0. It returns 1 when nothing is known.
func (a *Analysis) KnownMultiple(v ir.ValueID, fuel int) int64 {
	if fuel <= 0 {
		return 1
	}
	key := cacheKey{v, fuel}
	if m, found := a.cache[key]; found {
		return m
	}
	m := a.knownMultiple(v, fuel)
	a.cache[key] = m
	return m
}

func (a *Analysis) knownMultiple(v ir.ValueID, fuel int) int64 {
	m := a.exactMultiple(v, fuel)
	op := a.f.DefiningOp(v)
	if op != nil && wrappingOps[op.Type] {
		m = wrapped(m, a.f.Type(v).DType())
	}
	return m
}

// wrappingOps may overflow: for fixed-width integers the result wraps around modulo 2^bits.
var wrappingOps = map[ir.OpType]bool{
	ir.OpTypeMul:       true,
	ir.OpTypeAdd:       true,
	ir.OpTypeSub:       true,
	ir.OpTypeShiftLeft: true,
}

// wrapped returns the known multiple of a result that may have wrapped around modulo 2^bits: only the
// common factor of m and 2^bits is preserved. Index values never wrap.
func wrapped(m int64, dtype dtypes.DType) int64 {
	if m == 0 || dtype == dtypes.Index {
		return m
	}
	bits := min(dtype.Bits(), 62)
	return xslices.GCD(m, int64(1)<<bits)
}

// exactMultiple returns the known multiple of v assuming no overflow.
func (a *Analysis) exactMultiple(v ir.ValueID, fuel int) int64 {
	t := a.f.Type(v)
	if !t.IsScalar() && !t.IsVector() || !t.DType().IsInt() {
		return 1
	}
	op := a.f.DefiningOp(v)
	if op == nil {
		return 1
	}
	operand := func(ii int) int64 { return a.KnownMultiple(op.Operands[ii], fuel-1) }
	switch op.Type {
	case ir.OpTypeConstant:
		c, ok := ir.ConstantInt(a.f, v)
		if !ok {
			return 1
		}
		return abs(c)

	case ir.OpTypeMul:
		lhs, rhs := operand(0), operand(1)
		if lhs == 0 || rhs == 0 {
			return 0
		}
		product := lhs * rhs
		if product/rhs != lhs {
			// The product of the known multiples overflows: fall back to the larger one.
			return max(lhs, rhs)
		}
		return product

	case ir.OpTypeAdd, ir.OpTypeSub:
		return gcdOrZero(operand(0), operand(1))

	case ir.OpTypeShiftLeft:
		shift, ok := ir.ConstantInt(a.f, op.Operands[1])
		if !ok || shift < 0 || shift >= 62 {
			return 1
		}
		lhs := operand(0)
		if lhs == 0 {
			return 0
		}
		if lhs > (int64(1)<<(62-shift))-1 {
			return int64(1) << shift
		}
		return lhs << shift

	case ir.OpTypeRem:
		// x % c = x - c*floor(x/c): a multiple of gcd(m(x), c).
		c, ok := ir.ConstantInt(a.f, op.Operands[1])
		if !ok || c == 0 {
			return 1
		}
		return gcdOrZero(operand(0), abs(c))

	case ir.OpTypeBroadcast:
		if a.f.Type(op.Operands[0]).DType() == t.DType() {
			return operand(0)
		}
	}
	return 1
}

// gcdOrZero is the gcd where 0 (known to be zero) is the identity.
func gcdOrZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return xslices.GCD(a, b)
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
