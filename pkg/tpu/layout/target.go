// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/pkg/errors"
)

const (
	// DefaultLaneCount is the number of lanes of a vreg.
	DefaultLaneCount = 128

	// DefaultSublaneCount is the number of sublanes of a vreg.
	DefaultSublaneCount = 8
)

// Target is the vreg geometry the layouts are computed for.
type Target struct {
	LaneCount, SublaneCount int
}

// DefaultTarget returns the target with the default vreg geometry: 8 sublanes x 128 lanes.
func DefaultTarget() Target {
	return Target{LaneCount: DefaultLaneCount, SublaneCount: DefaultSublaneCount}
}

// Validate checks that lane and sublane counts are positive powers of 2.
func (t Target) Validate() error {
	if t.LaneCount <= 0 || !xslices.IsPowerOf2(t.LaneCount) {
		return errors.Errorf("lane count must be a positive power of 2, got %d", t.LaneCount)
	}
	if t.SublaneCount <= 0 || !xslices.IsPowerOf2(t.SublaneCount) {
		return errors.Errorf("sublane count must be a positive power of 2, got %d", t.SublaneCount)
	}
	return nil
}

// VRegShape returns the number of rows and columns of elements of the given bitwidth a vreg holds.
// Narrow types are packed along the sublanes.
func (t Target) VRegShape(bitwidth int) [2]int {
	return [2]int{t.SublaneCount * (32 / bitwidth), t.LaneCount}
}

// VRegCapacity returns the number of elements of the given bitwidth a vreg holds.
func (t Target) VRegCapacity(bitwidth int) int {
	shape := t.VRegShape(bitwidth)
	return shape[0] * shape[1]
}

// NativeTiling is the tiling that fills exactly one vreg: (SublaneCount*packing, LaneCount).
func (t Target) NativeTiling(bitwidth int) [2]int {
	return t.VRegShape(bitwidth)
}

// NativeLayout returns the layout with the native tiling and zero offsets.
func (t Target) NativeLayout(bitwidth int, implicitDim ImplicitDim) VectorLayout {
	return New(bitwidth, [2]Offset{0, 0}, t.NativeTiling(bitwidth), implicitDim)
}

// IsNativeTiling returns whether l uses the native tiling for its bitwidth.
func (t Target) IsNativeTiling(l VectorLayout) bool {
	return l.Tiling == t.NativeTiling(l.Bitwidth)
}

// CheckTiling returns an error if tiling is not a legal vreg tiling for the bitwidth: both tile
// dimensions must be positive powers of 2, the lane tile dimension at most LaneCount, and a vreg must
// hold a whole number of tiles.
func (t Target) CheckTiling(bitwidth int, tiling [2]int) error {
	if err := checkBitwidth(bitwidth); err != nil {
		return err
	}
	t0, t1 := tiling[0], tiling[1]
	if t0 <= 0 || t1 <= 0 {
		return errors.Errorf("tile dimensions must be positive, got (%d,%d)", t0, t1)
	}
	if !xslices.IsPowerOf2(t0) || !xslices.IsPowerOf2(t1) {
		return errors.Errorf("tile dimensions must be powers of 2, got (%d,%d)", t0, t1)
	}
	if t1 > t.LaneCount {
		return errors.Errorf("tile (%d,%d) has more columns than the %d lanes", t0, t1, t.LaneCount)
	}
	if t.VRegCapacity(bitwidth)%(t0*t1) != 0 {
		return errors.Errorf("tile (%d,%d) doesn't fit a vreg of %d-bit elements", t0, t1, bitwidth)
	}
	return nil
}

// TilesPerVReg returns how many tiles of the layout fit in one vreg.
func (t Target) TilesPerVReg(l VectorLayout) int {
	return t.VRegCapacity(l.Bitwidth) / (l.Tiling[0] * l.Tiling[1])
}

// VRegSlice returns the shape of the region of the (implicit) value covered by one vreg: tiles are laid
// side by side along the minor dimension.
func (t Target) VRegSlice(l VectorLayout) [2]int {
	return [2]int{l.Tiling[0], l.Tiling[1] * t.TilesPerVReg(l)}
}

// CheckLayout returns an error if l is not a valid layout for a value of the given dimensions.
//
// The lane tile dimension must be LaneCount, unless the (implicit) minor dimension is smaller than that.
func (t Target) CheckLayout(l VectorLayout, dims []int) error {
	if err := t.CheckTiling(l.Bitwidth, l.Tiling); err != nil {
		return err
	}
	if len(dims) == 0 {
		return errors.Errorf("layout %s: vectors must have rank at least 1", l)
	}
	switch l.ImplicitDim {
	case ImplicitNone:
		if len(dims) < 2 {
			return errors.Errorf("layout %s: rank-1 vectors %v need an implicit dimension", l, dims)
		}
	case ImplicitMinor, ImplicitSecondMinor:
	default:
		return errors.Errorf("layout %s: invalid implicit dimension", l)
	}
	if minor := xslices.Last(l.ImplicitShape(dims)); l.Tiling[1] != t.LaneCount && minor >= t.LaneCount {
		return errors.Errorf("layout %s: minor dimension of %v spans the %d lanes, the tiling must use all of them",
			l, dims, t.LaneCount)
	}
	slice := t.VRegSlice(l)
	for ii, offset := range l.Offsets {
		if offset != Replicated && (offset < 0 || int(offset) >= slice[ii]) {
			return errors.Errorf("layout %s: offset %s out of range for vreg slice %v", l, offset, slice)
		}
	}
	return nil
}

// TileArrayShape returns the shape of the array of vregs holding a value of the given dimensions:
// the leading dimensions, followed by the number of vregs along the second minor and minor dimensions.
// A replicated dimension takes a single vreg.
func (t Target) TileArrayShape(l VectorLayout, dims []int) []int {
	implicit := l.ImplicitShape(dims)
	rank := len(implicit)
	shape := append([]int(nil), implicit[:rank-2]...)
	slice := t.VRegSlice(l)
	for ii := range 2 {
		offset := l.Offsets[ii]
		if offset.IsReplicated() {
			shape = append(shape, 1)
			continue
		}
		shape = append(shape, xslices.CeilDiv(int(offset)+implicit[rank-2+ii], slice[ii]))
	}
	return shape
}

// NumVRegs returns the total number of vregs holding a value of the given dimensions.
func (t Target) NumVRegs(l VectorLayout, dims []int) int {
	return xslices.Product(t.TileArrayShape(l, dims))
}

// PhysicalIndex returns the flat row-major index in the vreg (of shape VRegShape) of the element at
// position (row, col) of the vreg slice.
func (t Target) PhysicalIndex(l VectorLayout, row, col int) int {
	t0, t1 := l.Tiling[0], l.Tiling[1]
	return (col/t1)*t0*t1 + row*t1 + col%t1
}

// Join returns the most general layout that satisfies both a and b, used when a value must be consumed
// (or produced) with both layouts. It is symmetric, and Join(a, a) == a.
// Conflicts are reported as diag.LayoutConflict.
//
// Rules:
//   - Bitwidths must match.
//   - Implicit dimensions: fewer implicit dimensions wins; between Minor and SecondMinor, SecondMinor wins.
//   - Tiling: equal tilings are kept; if they differ, the native tiling wins if either is native; otherwise,
//     if they have the same number of columns the one with more rows wins. Any other combination is a
//     conflict.
//   - Offsets: equal offsets are kept; a replicated offset yields to a concrete one; two different
//     concrete offsets are a conflict.
//   - Memory space: ir.MemorySpaceAny yields to the other, otherwise they must match.
func (t Target) Join(a, b VectorLayout) (VectorLayout, error) {
	if a.Bitwidth != b.Bitwidth {
		return VectorLayout{}, diag.Errorf("", diag.LayoutConflict, "can't join layouts %s and %s: bitwidths differ", a, b)
	}
	var result VectorLayout
	result.Bitwidth = a.Bitwidth
	result.ImplicitDim = joinImplicitDims(a.ImplicitDim, b.ImplicitDim)

	switch {
	case a.Tiling == b.Tiling:
		result.Tiling = a.Tiling
	case t.IsNativeTiling(a) || t.IsNativeTiling(b):
		result.Tiling = t.NativeTiling(a.Bitwidth)
	case a.Tiling[1] == b.Tiling[1]:
		result.Tiling = a.Tiling
		if b.Tiling[0] > a.Tiling[0] {
			result.Tiling = b.Tiling
		}
	default:
		return VectorLayout{}, diag.Errorf("", diag.LayoutConflict, "can't join layouts %s and %s: tilings differ in the lane dimension and neither is native", a, b)
	}

	for ii := range 2 {
		oa, ob := a.Offsets[ii], b.Offsets[ii]
		switch {
		case oa == ob:
			result.Offsets[ii] = oa
		case oa.IsReplicated():
			result.Offsets[ii] = ob
		case ob.IsReplicated():
			result.Offsets[ii] = oa
		default:
			return VectorLayout{}, diag.Errorf("", diag.LayoutConflict, "can't join layouts %s and %s: offsets %s and %s differ", a, b, oa, ob)
		}
	}
	slice := t.VRegSlice(result)
	for ii, offset := range result.Offsets {
		if !offset.IsReplicated() && int(offset) >= slice[ii] {
			return VectorLayout{}, diag.Errorf("", diag.LayoutConflict, "can't join layouts %s and %s: offset %s doesn't fit the joined tiling %v",
				a, b, offset, result.Tiling)
		}
	}

	switch {
	case a.MemorySpace == b.MemorySpace:
		result.MemorySpace = a.MemorySpace
	case a.MemorySpace == ir.MemorySpaceAny:
		result.MemorySpace = b.MemorySpace
	case b.MemorySpace == ir.MemorySpaceAny:
		result.MemorySpace = a.MemorySpace
	default:
		return VectorLayout{}, diag.Errorf("", diag.LayoutConflict, "can't join layouts %s and %s: memory spaces differ", a, b)
	}
	return result, nil
}

func joinImplicitDims(a, b ImplicitDim) ImplicitDim {
	if a == b {
		return a
	}
	if a == ImplicitNone || b == ImplicitNone {
		return ImplicitNone
	}
	return ImplicitSecondMinor
}
