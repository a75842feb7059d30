// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexing(t *testing.T) {
	s := []int{1, 2, 3}
	assert.Equal(t, 3, Last(s))
	assert.Equal(t, []int{2, 4, 6}, Map(s, func(e int) int { return 2 * e }))
	assert.Equal(t, []int64{3, 4}, Iota(int64(3), 2))
	assert.Equal(t, []bool{true, true}, SliceWithValue(2, true))
	assert.Equal(t, 6, Product(s))
	assert.Equal(t, 1, Product([]int{}))
}

func TestIntegerArithmetic(t *testing.T) {
	assert.Equal(t, 32, CeilDiv(256, 8))
	assert.Equal(t, 33, CeilDiv(257, 8))
	assert.Equal(t, 0, CeilDiv(0, 8))
	assert.Equal(t, int64(4), GCD(int64(12), int64(-8)))
	assert.Equal(t, int64(5), GCD(int64(0), int64(5)))
	assert.Equal(t, int64(0), GCD(int64(0), int64(0)))
	assert.True(t, IsPowerOf2(128))
	assert.False(t, IsPowerOf2(96))
	assert.False(t, IsPowerOf2(0))
	assert.Equal(t, 8, NextPowerOf2(5))
	assert.Equal(t, 1, NextPowerOf2(1))
}
