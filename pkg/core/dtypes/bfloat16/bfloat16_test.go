// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloat32Rounded(t *testing.T) {
	// Truncation and rounding agree on exactly representable values.
	for _, x := range []float32{0, 1, -2, 0.5, 256} {
		assert.Equal(t, FromFloat32(x), FromFloat32Rounded(x))
	}
	// 1.00390625 = 1 + 2^-8 is a tie: rounds to even (1.0).
	assert.Equal(t, float32(1), FromFloat32Rounded(1.00390625).Float32())
	// Above the tie rounds up, where truncation would round down.
	x := math.Float32frombits(0x3F808001)
	assert.Equal(t, float32(1.0078125), FromFloat32Rounded(x).Float32())
	assert.Equal(t, float32(1), FromFloat32(x).Float32())
	nan := FromFloat32Rounded(float32(math.NaN()))
	assert.True(t, math.IsNaN(float64(nan.Float32())))
}
