// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/pkg/errors"
)

// This file maps the elements of a value to the elements of the vregs holding it.
//
// Vregs are represented as flat row-major arrays of VRegShape elements, and the array of vregs of a
// value is ordered row-major over its TileArrayShape.

// UnFlattenIndex converts a flat row-major index into dims to a multidimensional index, stored in index.
func UnFlattenIndex(flat int, dims []int, index []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		index[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
}

// FlattenIndex converts a multidimensional index into dims to its flat row-major index.
func FlattenIndex(index, dims []int) int {
	flat := 0
	for axis, idx := range index {
		flat = flat*dims[axis] + idx
	}
	return flat
}

// ForEachSlot calls fn for every element slot of every vreg holding a value of the given dimensions with
// layout l: vreg is the index into the flat array of vregs, elem the index of the element within the vreg,
// and logical the index of the value element stored there, or nil for padding slots.
//
// Slots along a replicated dimension all map to index 0 of that dimension.
// The logical slice is reused between calls.
func (t Target) ForEachSlot(l VectorLayout, dims []int, fn func(vreg, elem int, logical []int)) {
	numVRegs := t.NumVRegs(l, dims)
	for vreg := range numVRegs {
		t.ForEachSlotOf(l, dims, vreg, func(elem int, logical []int) { fn(vreg, elem, logical) })
	}
}

// ForEachSlotOf is like ForEachSlot, but only for the slots of the vreg with the given flat index.
func (t Target) ForEachSlotOf(l VectorLayout, dims []int, vreg int, fn func(elem int, logical []int)) {
	implicit := l.ImplicitShape(dims)
	rank := len(implicit)
	tiles := t.TileArrayShape(l, dims)
	slice := t.VRegSlice(l)
	tileIdx := make([]int, len(tiles))
	implicitIdx := make([]int, rank)
	logical := make([]int, len(dims))
	UnFlattenIndex(vreg, tiles, tileIdx)
	copy(implicitIdx, tileIdx[:rank-2])
	for row := range slice[0] {
		for col := range slice[1] {
			elem := t.PhysicalIndex(l, row, col)
			valid := true
			for ii, pos := range [2]int{row, col} {
				offset := l.Offsets[ii]
				x := 0
				if !offset.IsReplicated() {
					x = tileIdx[rank-2+ii]*slice[ii] + pos - int(offset)
					if x < 0 || x >= implicit[rank-2+ii] {
						valid = false
					}
				}
				implicitIdx[rank-2+ii] = x
			}
			if !valid {
				fn(elem, nil)
				continue
			}
			l.removeImplicit(implicitIdx, logical)
			fn(elem, logical)
		}
	}
}

// removeImplicit copies implicitIdx to logical without the implicit dimension.
func (l VectorLayout) removeImplicit(implicitIdx, logical []int) {
	rank := len(implicitIdx)
	switch l.ImplicitDim {
	case ImplicitMinor:
		copy(logical, implicitIdx[:rank-1])
	case ImplicitSecondMinor:
		copy(logical, implicitIdx[:rank-2])
		logical[rank-2] = implicitIdx[rank-1]
	default:
		copy(logical, implicitIdx)
	}
}

// Locate returns where the value element at the logical index is stored: the index into the flat array
// of vregs and the index of the element within the vreg.
//
// For replicated dimensions the first slot is returned.
func (t Target) Locate(l VectorLayout, dims []int, logical []int) (vreg, elem int) {
	implicitIdx := l.ImplicitIndex(logical)
	rank := len(implicitIdx)
	tiles := t.TileArrayShape(l, dims)
	slice := t.VRegSlice(l)
	var pos [2]int
	for ii := range 2 {
		offset := l.Offsets[ii]
		if offset.IsReplicated() {
			implicitIdx[rank-2+ii] = 0
			continue
		}
		padded := implicitIdx[rank-2+ii] + int(offset)
		implicitIdx[rank-2+ii] = padded / slice[ii]
		pos[ii] = padded % slice[ii]
	}
	return FlattenIndex(implicitIdx, tiles), t.PhysicalIndex(l, pos[0], pos[1])
}

// Encode lays out the row-major values of a value of the given dimensions into vregs. Padding slots are
// filled with pad.
//
// If l is replicated along a dimension, values are expected to be constant along it.
func (t Target) Encode(l VectorLayout, dims []int, values []float64, pad float64) ([][]float64, error) {
	if err := t.CheckLayout(l, dims); err != nil {
		return nil, err
	}
	if size := xslices.Product(dims); len(values) != size {
		return nil, errors.Errorf("encode: got %d values for dimensions %v", len(values), dims)
	}
	numVRegs := t.NumVRegs(l, dims)
	capacity := t.VRegCapacity(l.Bitwidth)
	vregs := make([][]float64, numVRegs)
	for ii := range vregs {
		vregs[ii] = make([]float64, capacity)
	}
	t.ForEachSlot(l, dims, func(vreg, elem int, logical []int) {
		if logical == nil {
			vregs[vreg][elem] = pad
			return
		}
		vregs[vreg][elem] = values[FlattenIndex(logical, dims)]
	})
	return vregs, nil
}

// Decode is the inverse of Encode: it returns the row-major values of a value of the given dimensions
// held in vregs with layout l.
func (t Target) Decode(l VectorLayout, dims []int, vregs [][]float64) ([]float64, error) {
	if err := t.CheckLayout(l, dims); err != nil {
		return nil, err
	}
	if numVRegs := t.NumVRegs(l, dims); len(vregs) != numVRegs {
		return nil, errors.Errorf("decode: layout %s of %v requires %d vregs, got %d", l, dims, numVRegs, len(vregs))
	}
	capacity := t.VRegCapacity(l.Bitwidth)
	for ii, vreg := range vregs {
		if len(vreg) != capacity {
			return nil, errors.Errorf("decode: vreg #%d has %d elements, expected %d", ii, len(vreg), capacity)
		}
	}
	values := make([]float64, xslices.Product(dims))
	index := make([]int, len(dims))
	for flat := range values {
		UnFlattenIndex(flat, dims, index)
		vreg, elem := t.Locate(l, dims, index)
		values[flat] = vregs[vreg][elem]
	}
	return values, nil
}
