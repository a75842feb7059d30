// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitsAndPacking(t *testing.T) {
	assert.Equal(t, 32, Float32.Bits())
	assert.Equal(t, 16, BFloat16.Bits())
	assert.Equal(t, 8, Int8.Bits())
	assert.Equal(t, 32, Bool.Bits())
	assert.Equal(t, 64, Index.Bits())

	assert.Equal(t, 1, Float32.Packing())
	assert.Equal(t, 2, BFloat16.Packing())
	assert.Equal(t, 4, Uint8.Packing())
	assert.Equal(t, 0, Float64.Packing())
}

func TestFromName(t *testing.T) {
	dtype, err := FromName("bf16")
	require.NoError(t, err)
	assert.Equal(t, BFloat16, dtype)
	dtype, err = FromName("Float32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)
	_, err = FromName("complex64")
	require.Error(t, err)
	assert.Equal(t, "Index", Index.String())
	assert.Equal(t, "DType(77)", DType(77).String())
}

func TestRoundFloat(t *testing.T) {
	// 1 + 2^-8 is not representable in bfloat16 (7 bits of mantissa): ties round to even.
	assert.Equal(t, 1.0, BFloat16.RoundFloat(1+1.0/256))
	// 1 + 3*2^-8 rounds up to 1 + 2^-6.
	assert.Equal(t, 1+1.0/64, BFloat16.RoundFloat(1+3.0/256))
	assert.Equal(t, 1.0, Float16.RoundFloat(1+1.0/4096))
	assert.Equal(t, float64(float32(0.1)), Float32.RoundFloat(0.1))
	assert.True(t, math.IsNaN(BFloat16.RoundFloat(math.NaN())))
	assert.Equal(t, 0.1, Float64.RoundFloat(0.1))
}

func TestWrapInt(t *testing.T) {
	assert.Equal(t, int64(-128), Int8.WrapInt(128))
	assert.Equal(t, int64(0), Uint8.WrapInt(256))
	assert.Equal(t, int64(1), Bool.WrapInt(-3))
	assert.Equal(t, int64(math.MinInt32), Int32.WrapInt(math.MaxInt32+1))
	assert.Equal(t, int64(1<<40), Index.WrapInt(1<<40))
}

func TestHighestLowest(t *testing.T) {
	assert.True(t, math.IsInf(Float32.HighestValue(), 1))
	assert.True(t, math.IsInf(BFloat16.LowestValue(), -1))
	assert.Equal(t, 127.0, Int8.HighestValue())
	assert.Equal(t, -128.0, Int8.LowestValue())
	assert.Equal(t, 255.0, Uint8.HighestValue())
	assert.Equal(t, 0.0, Uint8.LowestValue())
}
