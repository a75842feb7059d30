// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types handled by the TPU layout pipeline.
//
// The enum values are aligned with the ones used by XLA/PJRT (and by GoMLX), so they can be
// exchanged with other tools without conversion. Only the subset of types that can live in a
// TPU vector register or memory reference is supported here.
//
// It also includes the rounding helpers used to emulate the precision of narrow float types
// (Float16 via github.com/x448/float16, BFloat16 via the bfloat16 sub-package) and to wrap
// integers to their bit width.
package dtypes

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/mosaic/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum representing the data type of the element of a vector or memory reference.
type DType int32

const (
	// InvalidDType is the zero value, not a valid type.
	InvalidDType DType = 0

	// Bool values are stored as masks. In a vector register they take a full 32-bit slot.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated 16-bit float format, with 1 bit for the sign, 8 for the exponent and
	// 7 for the mantissa.
	BFloat16 DType = 13

	// Index is the type of scalar addressing arithmetic: a 64-bit signed integer where overflow is
	// undefined behavior (as opposed to Int64, which wraps around).
	Index DType = 100
)

// Aliases.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	BF16 = BFloat16
	I8   = Int8
	I16  = Int16
	I32  = Int32
	I64  = Int64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	Index:        "Index",
}

// MapOfNames maps lower-case names (and a few common aliases) to DType.
var MapOfNames = map[string]DType{
	"f16":  Float16,
	"f32":  Float32,
	"f64":  Float64,
	"bf16": BFloat16,
	"i1":   Bool,
	"i8":   Int8,
	"i16":  Int16,
	"i32":  Int32,
	"i64":  Int64,
}

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// FromName returns the DType for the given name, as in MapOfNames.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[strings.ToLower(name)]
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Bits returns the number of bits of one element of the type.
//
// Bool is reported as 32 bits: masks occupy a full 32-bit register slot.
func (dtype DType) Bits() int {
	switch dtype {
	case Int8, Uint8:
		return 8
	case Int16, Uint16, Float16, BFloat16:
		return 16
	case Int32, Uint32, Float32, Bool:
		return 32
	case Int64, Uint64, Float64, Index:
		return 64
	default:
		return 0
	}
}

// Size returns the number of bytes of one element of the type.
func (dtype DType) Size() int {
	return dtype.Bits() / 8
}

// IsFloat returns whether dtype is a supported float type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64 || dtype == BFloat16
}

// IsFloat16 returns whether dtype is one of the 16-bit float types.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is a supported integer type (signed, unsigned or Index).
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Index:
		return true
	}
	return false
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}

// IsSupported returns whether dtype is a known type.
func (dtype DType) IsSupported() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// Packing returns how many elements of dtype are packed in one 32-bit word.
// It returns 0 for types wider than 32 bits.
func (dtype DType) Packing() int {
	bits := dtype.Bits()
	if bits == 0 || bits > 32 {
		return 0
	}
	return 32 / bits
}

// RoundFloat rounds x to the precision of the float dtype, using round-to-nearest-even.
// For non-float dtypes x is returned unchanged.
func (dtype DType) RoundFloat(x float64) float64 {
	switch dtype {
	case Float32:
		return float64(float32(x))
	case Float16:
		return float64(float16.Fromfloat32(float32(x)).Float32())
	case BFloat16:
		return float64(bfloat16.FromFloat32Rounded(float32(x)).Float32())
	default:
		return x
	}
}

// WrapInt wraps x to the bit width of the integer dtype (two's complement for signed types).
// Index and 64-bit types are returned unchanged; Bool is normalized to 0 or 1.
func (dtype DType) WrapInt(x int64) int64 {
	switch dtype {
	case Bool:
		if x != 0 {
			return 1
		}
		return 0
	case Int8:
		return int64(int8(x))
	case Int16:
		return int64(int16(x))
	case Int32:
		return int64(int32(x))
	case Uint8:
		return int64(uint8(x))
	case Uint16:
		return int64(uint16(x))
	case Uint32:
		return int64(uint32(x))
	default:
		return x
	}
}

// HighestValue returns the highest representable value of the dtype, as a float64.
// Floats return +Inf.
func (dtype DType) HighestValue() float64 {
	switch {
	case dtype.IsFloat():
		return math.Inf(1)
	case dtype == Bool:
		return 1
	case dtype.IsUnsigned():
		return float64(uint64(1)<<dtype.Bits() - 1)
	case dtype.IsInt():
		return float64(int64(1)<<(dtype.Bits()-1) - 1)
	}
	return 0
}

// LowestValue returns the lowest representable value of the dtype, as a float64.
// Floats return -Inf.
func (dtype DType) LowestValue() float64 {
	switch {
	case dtype.IsFloat():
		return math.Inf(-1)
	case dtype == Bool, dtype.IsUnsigned():
		return 0
	case dtype.IsInt():
		return -float64(int64(1) << (dtype.Bits() - 1))
	}
	return 0
}
