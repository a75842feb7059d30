// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layout describes how a vector value is laid out in the TPU vector registers (vregs).
//
// A vreg has SublaneCount x LaneCount 32-bit slots: narrower types are packed, so a vreg holds
// SublaneCount*packing x LaneCount elements. The two minor dimensions of a vector are split into tiles,
// and the tiles laid out in vregs; the leading dimensions simply index arrays of vregs.
//
// A VectorLayout is a pure value: it doesn't reference the IR values it describes. Layouts assigned to
// a function are kept in an Assignment side-table.
package layout

import (
	"fmt"
	"strings"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/pkg/errors"
)

// Offset of the data within the vreg slice, along one of the two minor dimensions.
//
// Replicated means the data is the same along that dimension, and it is replicated over all positions
// of the vreg.
type Offset int

// Replicated offset.
const Replicated Offset = -1

// IsReplicated returns whether the offset is Replicated.
func (o Offset) IsReplicated() bool { return o == Replicated }

// String implements fmt.Stringer. Replicated offsets are printed as "*".
func (o Offset) String() string {
	if o == Replicated {
		return "*"
	}
	return fmt.Sprint(int(o))
}

// ImplicitDim is a dimension of size 1 added to the shape of a value to make it at least rank 2.
// Lane (Minor) and sublane (SecondMinor) dimensions are always present in a vreg, so values with
// a "missing" minor dimension have it implicitly.
type ImplicitDim int

const (
	// ImplicitNone means the two minor dimensions of the value are the two minor dimensions of the vreg.
	ImplicitNone ImplicitDim = iota

	// ImplicitMinor means the value shape [..., N] is laid out as [..., N, 1].
	ImplicitMinor

	// ImplicitSecondMinor means the value shape [..., N] is laid out as [..., 1, N].
	ImplicitSecondMinor
)

var implicitDimNames = []string{"none", "-1", "-2"}

// String implements fmt.Stringer.
func (d ImplicitDim) String() string {
	if int(d) < 0 || int(d) >= len(implicitDimNames) {
		return fmt.Sprintf("ImplicitDim(%d)", int(d))
	}
	return implicitDimNames[d]
}

// VectorLayout describes how a vector value is laid out in vregs.
type VectorLayout struct {
	// Bitwidth of the elements: 8, 16 or 32. Bool masks use 32.
	Bitwidth int

	// Offsets of the data along the second minor (sublane) and minor (lane) dimensions, within the first
	// vreg slice.
	Offsets [2]Offset

	// Tiling of the two minor dimensions. A vreg holds one or more tiles.
	Tiling [2]int

	ImplicitDim ImplicitDim

	// MemorySpace the data was loaded from, or ir.MemorySpaceAny if not memory-backed.
	MemorySpace ir.MemorySpace
}

// New creates a register-resident VectorLayout.
func New(bitwidth int, offsets [2]Offset, tiling [2]int, implicitDim ImplicitDim) VectorLayout {
	return VectorLayout{Bitwidth: bitwidth, Offsets: offsets, Tiling: tiling, ImplicitDim: implicitDim}
}

// BitwidthOf returns the layout bitwidth of dtype. It returns false if vectors of dtype can't be laid out
// in vregs (e.g.: 64-bit types).
func BitwidthOf(dtype dtypes.DType) (int, bool) {
	bits := dtype.Bits()
	switch bits {
	case 8, 16, 32:
		return bits, true
	}
	return 0, false
}

// Packing returns the number of elements packed in a 32-bit slot.
func (l VectorLayout) Packing() int { return 32 / l.Bitwidth }

// WithOffsets returns a copy of the layout with the given offsets.
func (l VectorLayout) WithOffsets(offsets [2]Offset) VectorLayout {
	l.Offsets = offsets
	return l
}

// WithImplicitDim returns a copy of the layout with the given implicit dimension.
func (l VectorLayout) WithImplicitDim(d ImplicitDim) VectorLayout {
	l.ImplicitDim = d
	return l
}

// WithMemorySpace returns a copy of the layout tagged with the given memory space.
func (l VectorLayout) WithMemorySpace(space ir.MemorySpace) VectorLayout {
	l.MemorySpace = space
	return l
}

// Equal is structural equality.
func (l VectorLayout) Equal(l2 VectorLayout) bool { return l == l2 }

// IsZero returns whether l is the zero value, used for "no layout".
func (l VectorLayout) IsZero() bool { return l == VectorLayout{} }

// String implements fmt.Stringer. E.g.: "32,{0,0},(8,128)", "16,{*,0},(16,128),-2,vmem".
func (l VectorLayout) String() string {
	if l.IsZero() {
		return "none"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%d,{%s,%s},(%d,%d)", l.Bitwidth, l.Offsets[0], l.Offsets[1], l.Tiling[0], l.Tiling[1])
	if l.ImplicitDim != ImplicitNone {
		_, _ = fmt.Fprintf(&sb, ",%s", l.ImplicitDim)
	}
	if l.MemorySpace != ir.MemorySpaceAny {
		_, _ = fmt.Fprintf(&sb, ",%s", l.MemorySpace)
	}
	return sb.String()
}

// Compatible returns whether the two layouts can be used interchangeably: tiling, offsets, implicit
// dimension and memory space must match exactly.
func Compatible(a, b VectorLayout) bool {
	return a.Bitwidth == b.Bitwidth && a.Tiling == b.Tiling && a.Offsets == b.Offsets &&
		a.ImplicitDim == b.ImplicitDim && a.MemorySpace == b.MemorySpace
}

// Generalizes returns whether vregs laid out with a can be used where layout b is required, without any
// data movement.
//
// That is the case when a and b are equal (except for the memory space tag), or differ only by a being
// replicated along dimensions where b has a concrete offset: the replicated vreg is reused along that
// dimension.
func Generalizes(a, b VectorLayout) bool {
	if a.Bitwidth != b.Bitwidth || a.Tiling != b.Tiling || a.ImplicitDim != b.ImplicitDim {
		return false
	}
	for ii := range 2 {
		if a.Offsets[ii] != b.Offsets[ii] && !a.Offsets[ii].IsReplicated() {
			return false
		}
	}
	return true
}

// ImplicitShape returns the dimensions of a value of the given dimensions, with the implicit dimension
// inserted (as a 1).
func (l VectorLayout) ImplicitShape(dims []int) []int {
	return l.insertImplicit(dims, 1)
}

// ImplicitIndex converts an index into a value to the index into its implicit shape.
func (l VectorLayout) ImplicitIndex(index []int) []int {
	return l.insertImplicit(index, 0)
}

func (l VectorLayout) insertImplicit(dims []int, value int) []int {
	implicit := make([]int, 0, len(dims)+1)
	implicit = append(implicit, dims...)
	switch l.ImplicitDim {
	case ImplicitMinor:
		implicit = append(implicit, value)
	case ImplicitSecondMinor:
		last := implicit[len(implicit)-1]
		implicit[len(implicit)-1] = value
		implicit = append(implicit, last)
	}
	return implicit
}

// checkBitwidth returns an error if the bitwidth is not one of the supported ones.
func checkBitwidth(bitwidth int) error {
	switch bitwidth {
	case 8, 16, 32:
		return nil
	}
	return errors.Errorf("invalid layout bitwidth %d, must be 8, 16 or 32", bitwidth)
}
