// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package, mostly small numeric
// helpers used for tile arithmetic.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Last returns the last element of a slice.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3, 2) -> []int{3, 4}
func Iota[T constraints.Integer](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Product returns the product of all elements: 1 for an empty slice.
func Product[T constraints.Integer | constraints.Float](slice []T) T {
	var p T = 1
	for _, v := range slice {
		p *= v
	}
	return p
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// GCD returns the greatest common divisor of |a| and |b|. GCD(0, 0) == 0.
func GCD[T constraints.Signed](a, b T) T {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// IsPowerOf2 returns whether x is a positive power of 2.
func IsPowerOf2[T constraints.Integer](x T) bool {
	return x > 0 && x&(x-1) == 0
}

// NextPowerOf2 returns the smallest power of 2 that is >= x, for positive x.
func NextPowerOf2[T constraints.Integer](x T) T {
	var p T = 1
	for p < x {
		p <<= 1
	}
	return p
}
