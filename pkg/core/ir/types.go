// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/shapes"
	"github.com/gomlx/mosaic/pkg/support/xslices"
)

// Kind of value: scalar, vector, memory reference or semaphore.
type Kind int

const (
	KindInvalid Kind = iota
	KindScalar
	KindVector
	KindMemRef
	KindSemaphore
)

var kindNames = []string{"invalid", "scalar", "vector", "memref", "semaphore"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MemorySpace tags the class of physical memory a memory reference lives in.
//
// MemorySpaceAny is the "unassigned" default: it can be specialized to any other space.
type MemorySpace int

const (
	MemorySpaceAny MemorySpace = iota

	// MemorySpaceVMEM is the vector scratch memory.
	MemorySpaceVMEM

	// MemorySpaceSMEM is the scalar scratch memory.
	MemorySpaceSMEM

	// MemorySpaceHBM is the high-bandwidth device memory.
	MemorySpaceHBM

	// MemorySpaceSemaphore holds semaphores.
	MemorySpaceSemaphore
)

var memorySpaceNames = []string{"any", "vmem", "smem", "hbm", "semaphore_mem"}

// String implements fmt.Stringer.
func (ms MemorySpace) String() string {
	if int(ms) < 0 || int(ms) >= len(memorySpaceNames) {
		return fmt.Sprintf("MemorySpace(%d)", int(ms))
	}
	return memorySpaceNames[ms]
}

// IsScratch returns whether the memory space is one of the on-chip scratch memories.
func (ms MemorySpace) IsScratch() bool {
	return ms == MemorySpaceVMEM || ms == MemorySpaceSMEM
}

// Type of value in a Function.
type Type struct {
	Kind  Kind
	Shape shapes.Shape

	// MemorySpace of memory references and semaphores.
	MemorySpace MemorySpace

	// Tiling of a memory reference: the tile dimensions over the trailing (physical) axes.
	// A nil Tiling means the memory reference has no tiled layout yet.
	Tiling []int

	// MinorToMajor is the logical ordering of the memory reference axes, from the most minor (fastest
	// changing) to the most major. A nil value means row-major.
	MinorToMajor []int
}

// ScalarType returns the type of scalar of the given dtype.
func ScalarType(dtype dtypes.DType) Type {
	return Type{Kind: KindScalar, Shape: shapes.Scalar(dtype)}
}

// IndexType is the type of addressing scalars.
func IndexType() Type {
	return ScalarType(dtypes.Index)
}

// VectorType returns a vector type. It panics if any dimension is not positive.
func VectorType(dtype dtypes.DType, dimensions ...int) Type {
	return Type{Kind: KindVector, Shape: shapes.Make(dtype, dimensions...)}
}

// MemRefType returns an un-tiled memory reference type in the given memory space.
func MemRefType(dtype dtypes.DType, space MemorySpace, dimensions ...int) Type {
	return Type{Kind: KindMemRef, Shape: shapes.Make(dtype, dimensions...), MemorySpace: space}
}

// SemaphoreType returns the type of semaphore.
func SemaphoreType() Type {
	return Type{Kind: KindSemaphore, Shape: shapes.Scalar(dtypes.Int32), MemorySpace: MemorySpaceSemaphore}
}

// IsScalar returns whether t is a scalar type.
func (t Type) IsScalar() bool { return t.Kind == KindScalar }

// IsVector returns whether t is a vector type.
func (t Type) IsVector() bool { return t.Kind == KindVector }

// IsMemRef returns whether t is a memory reference type.
func (t Type) IsMemRef() bool { return t.Kind == KindMemRef }

// DType of the elements of the type.
func (t Type) DType() dtypes.DType { return t.Shape.DType }

// Rank of the shape of the type.
func (t Type) Rank() int { return t.Shape.Rank() }

// Dims returns the dimensions of the shape of the type.
func (t Type) Dims() []int { return t.Shape.Dimensions }

// Clone returns a deep copy of t.
func (t Type) Clone() Type {
	t2 := t
	t2.Shape = t.Shape.Clone()
	t2.Tiling = slices.Clone(t.Tiling)
	t2.MinorToMajor = slices.Clone(t.MinorToMajor)
	return t2
}

// WithMemorySpace returns a copy of t with the given memory space.
func (t Type) WithMemorySpace(space MemorySpace) Type {
	t2 := t.Clone()
	t2.MemorySpace = space
	return t2
}

// WithTiling returns a copy of t with the given tiling. Pass nil to erase the tiling.
func (t Type) WithTiling(tiling []int) Type {
	t2 := t.Clone()
	t2.Tiling = slices.Clone(tiling)
	return t2
}

// WithShape returns a copy of t with the given shape.
func (t Type) WithShape(shape shapes.Shape) Type {
	t2 := t.Clone()
	t2.Shape = shape.Clone()
	return t2
}

// IsRowMajor returns whether the memory reference axes are laid out in row-major order.
func (t Type) IsRowMajor() bool {
	if t.MinorToMajor == nil {
		return true
	}
	rank := t.Rank()
	for ii, axis := range t.MinorToMajor {
		if axis != rank-1-ii {
			return false
		}
	}
	return true
}

// PhysicalAxes returns the axes of the memory reference ordered from major to minor.
func (t Type) PhysicalAxes() []int {
	rank := t.Rank()
	if t.MinorToMajor == nil {
		return xslices.Iota(0, rank)
	}
	axes := make([]int, rank)
	for ii := range axes {
		axes[ii] = t.MinorToMajor[rank-1-ii]
	}
	return axes
}

// Equal compares all fields of the types.
func (t Type) Equal(t2 Type) bool {
	return t.Kind == t2.Kind && t.Shape.Equal(t2.Shape) && t.MemorySpace == t2.MemorySpace &&
		slices.Equal(t.Tiling, t2.Tiling) && slices.Equal(t.MinorToMajor, t2.MinorToMajor)
}

// String implements fmt.Stringer. E.g.: "vector<256x128xFloat32>", "memref<8x128xBFloat16, tiled(16,128), vmem>".
func (t Type) String() string {
	var sb strings.Builder
	switch t.Kind {
	case KindScalar:
		return t.Shape.DType.String()
	case KindSemaphore:
		return "semaphore"
	case KindVector:
		sb.WriteString("vector<")
	case KindMemRef:
		sb.WriteString("memref<")
	default:
		return "invalid"
	}
	for _, dim := range t.Shape.Dimensions {
		_, _ = fmt.Fprintf(&sb, "%dx", dim)
	}
	sb.WriteString(t.Shape.DType.String())
	if t.Kind == KindMemRef {
		if t.Tiling != nil {
			_, _ = fmt.Fprintf(&sb, ", tiled%s", formatInts(t.Tiling))
		}
		if !t.IsRowMajor() {
			_, _ = fmt.Fprintf(&sb, ", minor_to_major%s", formatInts(t.MinorToMajor))
		}
		if t.MemorySpace != MemorySpaceAny {
			_, _ = fmt.Fprintf(&sb, ", %s", t.MemorySpace)
		}
	}
	sb.WriteString(">")
	return sb.String()
}

func formatInts(values []int) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
