// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"fmt"
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleLayouts used for the algebraic properties.
func sampleLayouts(t Target) []VectorLayout {
	var layouts []VectorLayout
	for _, bitwidth := range []int{16, 32} {
		for _, tiling := range [][2]int{t.NativeTiling(bitwidth), {1, 128}, {8, 128}, {8, 64}, {4, 64}} {
			for _, offsets := range [][2]Offset{{0, 0}, {4, 0}, {Replicated, 0}, {0, Replicated}, {Replicated, Replicated}} {
				for _, implicit := range []ImplicitDim{ImplicitNone, ImplicitMinor, ImplicitSecondMinor} {
					l := New(bitwidth, offsets, tiling, implicit)
					layouts = append(layouts, l)
					layouts = append(layouts, l.WithMemorySpace(ir.MemorySpaceVMEM))
				}
			}
		}
	}
	return layouts
}

func TestCompatibleAndJoinProperties(t *testing.T) {
	target := DefaultTarget()
	layouts := sampleLayouts(target)
	for _, a := range layouts {
		joined, err := target.Join(a, a)
		if target.CheckLayout(a, []int{64, 256}) == nil {
			require.NoError(t, err, "Join(%s, %s)", a, a)
			assert.Equal(t, a, joined, "Join(%s, %s)", a, a)
		}
		assert.True(t, Compatible(a, a))
		for _, b := range layouts {
			assert.Equal(t, Compatible(a, b), Compatible(b, a), "Compatible(%s, %s)", a, b)
			ab, errAB := target.Join(a, b)
			ba, errBA := target.Join(b, a)
			assert.Equal(t, errAB == nil, errBA == nil, "Join(%s, %s) symmetry of errors", a, b)
			if errAB == nil && errBA == nil {
				assert.Equal(t, ab, ba, "Join(%s, %s) symmetry", a, b)
			}
			if Compatible(a, b) {
				assert.Equal(t, a, b)
			}
		}
	}
}

func TestJoin(t *testing.T) {
	target := DefaultTarget()
	native := target.NativeLayout(32, ImplicitNone)

	t.Run("offsets conflict", func(t *testing.T) {
		_, err := target.Join(native, native.WithOffsets([2]Offset{4, 0}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "offsets 0 and 4 differ")
		assert.True(t, diag.Is(err, diag.LayoutConflict), "got %v", err)
	})

	t.Run("replicated yields", func(t *testing.T) {
		got, err := target.Join(native.WithOffsets([2]Offset{Replicated, Replicated}), native.WithOffsets([2]Offset{4, 0}))
		require.NoError(t, err)
		assert.Equal(t, [2]Offset{4, 0}, got.Offsets)
	})

	t.Run("native tiling wins", func(t *testing.T) {
		small := New(32, [2]Offset{0, 0}, [2]int{1, 128}, ImplicitNone)
		got, err := target.Join(small, native)
		require.NoError(t, err)
		assert.Equal(t, native.Tiling, got.Tiling)
	})

	t.Run("more rows win", func(t *testing.T) {
		a := New(32, [2]Offset{0, 0}, [2]int{4, 64}, ImplicitNone)
		b := New(32, [2]Offset{0, 0}, [2]int{2, 64}, ImplicitNone)
		got, err := target.Join(a, b)
		require.NoError(t, err)
		assert.Equal(t, [2]int{4, 64}, got.Tiling)
	})

	t.Run("lane tiling conflict", func(t *testing.T) {
		a := New(32, [2]Offset{0, 0}, [2]int{4, 64}, ImplicitNone)
		b := New(32, [2]Offset{0, 0}, [2]int{8, 32}, ImplicitNone)
		_, err := target.Join(a, b)
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.LayoutConflict), "got %v", err)
	})

	t.Run("implicit dims", func(t *testing.T) {
		got, err := target.Join(native.WithImplicitDim(ImplicitMinor), native)
		require.NoError(t, err)
		assert.Equal(t, ImplicitNone, got.ImplicitDim)
		got, err = target.Join(native.WithImplicitDim(ImplicitMinor), native.WithImplicitDim(ImplicitSecondMinor))
		require.NoError(t, err)
		assert.Equal(t, ImplicitSecondMinor, got.ImplicitDim)
	})

	t.Run("memory spaces", func(t *testing.T) {
		got, err := target.Join(native, native.WithMemorySpace(ir.MemorySpaceVMEM))
		require.NoError(t, err)
		assert.Equal(t, ir.MemorySpaceVMEM, got.MemorySpace)
		_, err = target.Join(native.WithMemorySpace(ir.MemorySpaceSMEM), native.WithMemorySpace(ir.MemorySpaceVMEM))
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.LayoutConflict), "got %v", err)
		assert.False(t, Compatible(native, native.WithMemorySpace(ir.MemorySpaceVMEM)))
	})

	t.Run("bitwidths", func(t *testing.T) {
		_, err := target.Join(native, target.NativeLayout(16, ImplicitNone))
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.LayoutConflict), "got %v", err)
	})
}

func TestGeneralizes(t *testing.T) {
	target := DefaultTarget()
	native := target.NativeLayout(32, ImplicitNone)
	replicated := native.WithOffsets([2]Offset{Replicated, Replicated})
	assert.True(t, Generalizes(native, native))
	assert.True(t, Generalizes(replicated, native))
	assert.False(t, Generalizes(native, replicated))
	assert.False(t, Generalizes(native, native.WithOffsets([2]Offset{4, 0})))
	assert.True(t, Generalizes(native.WithMemorySpace(ir.MemorySpaceVMEM), native))
	assert.False(t, Generalizes(native, native.WithImplicitDim(ImplicitSecondMinor)))
}

func TestGeometry(t *testing.T) {
	target := DefaultTarget()
	require.NoError(t, target.Validate())
	require.Error(t, Target{LaneCount: 100, SublaneCount: 8}.Validate())

	native := target.NativeLayout(32, ImplicitNone)
	assert.Equal(t, []int{32, 2}, target.TileArrayShape(native, []int{256, 256}))
	assert.Equal(t, 64, target.NumVRegs(native, []int{256, 256}))
	assert.Equal(t, []int{3, 2, 1}, target.TileArrayShape(native.WithOffsets([2]Offset{4, 0}), []int{3, 8, 128}))
	assert.Equal(t, []int{1, 2}, target.TileArrayShape(native.WithOffsets([2]Offset{Replicated, 0}), []int{256, 256}))

	bf16 := target.NativeLayout(16, ImplicitNone)
	assert.Equal(t, [2]int{16, 128}, bf16.Tiling)
	assert.Equal(t, []int{2, 1}, target.TileArrayShape(bf16, []int{32, 128}))
	halfTiled := New(16, [2]Offset{0, 0}, [2]int{8, 128}, ImplicitNone)
	assert.Equal(t, [2]int{8, 256}, target.VRegSlice(halfTiled))
	oneRow := New(32, [2]Offset{0, 0}, [2]int{1, 128}, ImplicitSecondMinor)
	assert.Equal(t, [2]int{1, 1024}, target.VRegSlice(oneRow))
	assert.Equal(t, []int{1, 2}, target.TileArrayShape(oneRow, []int{2000}))

	require.NoError(t, target.CheckLayout(native, []int{7, 5}))
	require.Error(t, target.CheckLayout(native, []int{128}))
	require.Error(t, target.CheckLayout(native.WithOffsets([2]Offset{8, 0}), []int{8, 128}))

	// The lane tile must use all the lanes, unless the minor dimension is smaller than that.
	narrow := New(32, [2]Offset{0, 0}, [2]int{16, 64}, ImplicitNone)
	require.NoError(t, target.CheckLayout(narrow, []int{16, 64}))
	require.NoError(t, target.CheckLayout(narrow, []int{4, 32, 100}))
	require.Error(t, target.CheckLayout(narrow, []int{16, 128}))
	require.Error(t, target.CheckLayout(narrow, []int{16, 256}))
	require.NoError(t, target.CheckLayout(narrow.WithImplicitDim(ImplicitMinor), []int{256}))
	require.Error(t, target.CheckTiling(32, [2]int{8, 256}))
	require.Error(t, target.CheckTiling(32, [2]int{16, 128}))
	require.Error(t, target.CheckTiling(32, [2]int{0, 128}))
	require.Error(t, target.CheckTiling(64, [2]int{8, 128}))
	assert.Equal(t, "32,{*,0},(8,128),-2,vmem",
		native.WithOffsets([2]Offset{Replicated, 0}).WithImplicitDim(ImplicitSecondMinor).WithMemorySpace(ir.MemorySpaceVMEM).String())
}

func TestEncodeDecode(t *testing.T) {
	target := DefaultTarget()
	testCases := []struct {
		layout VectorLayout
		dims   []int
	}{
		{target.NativeLayout(32, ImplicitNone), []int{20, 130}},
		{target.NativeLayout(32, ImplicitNone).WithOffsets([2]Offset{3, 5}), []int{2, 9, 200}},
		{target.NativeLayout(16, ImplicitNone).WithOffsets([2]Offset{9, 0}), []int{30, 64}},
		{New(16, [2]Offset{2, 100}, [2]int{8, 128}, ImplicitNone), []int{11, 300}},
		{New(32, [2]Offset{0, 0}, [2]int{1, 128}, ImplicitSecondMinor), []int{1500}},
		{New(8, [2]Offset{0, 0}, [2]int{32, 128}, ImplicitMinor), []int{4, 70}},
		{New(32, [2]Offset{0, 0}, [2]int{4, 64}, ImplicitNone), []int{9, 70}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s_%v", tc.layout, tc.dims), func(t *testing.T) {
			size := xslices.Product(tc.dims)
			values := make([]float64, size)
			for ii := range values {
				values[ii] = float64(ii + 1)
			}
			vregs, err := target.Encode(tc.layout, tc.dims, values, -1)
			require.NoError(t, err)
			require.Len(t, vregs, target.NumVRegs(tc.layout, tc.dims))

			// Every value is stored exactly once, the rest is padding.
			count := 0
			for _, vreg := range vregs {
				for _, x := range vreg {
					if x != -1 {
						count++
					}
				}
			}
			assert.Equal(t, size, count)

			decoded, err := target.Decode(tc.layout, tc.dims, vregs)
			require.NoError(t, err)
			assert.Equal(t, values, decoded)
		})
	}

	t.Run("replicated", func(t *testing.T) {
		l := target.NativeLayout(32, ImplicitNone).WithOffsets([2]Offset{Replicated, 0})
		dims := []int{16, 3}
		values := make([]float64, 16*3)
		for ii := range values {
			values[ii] = float64(ii % 3)
		}
		vregs, err := target.Encode(l, dims, values, 0)
		require.NoError(t, err)
		require.Len(t, vregs, 1)
		// Replicated over all sublanes.
		for row := range 8 {
			assert.Equal(t, 2.0, vregs[0][target.PhysicalIndex(l, row, 2)])
		}
		decoded, err := target.Decode(l, dims, vregs)
		require.NoError(t, err)
		assert.Equal(t, values, decoded)
	})
}

func TestAssignment(t *testing.T) {
	target := DefaultTarget()
	f := ir.NewFunction("f")
	x := f.Parameter(ir.VectorType(dtypes.Float32, 8, 128))
	op := f.AddOp(ir.OpTypeNeg, nil, []ir.Type{ir.VectorType(dtypes.Float32, 8, 128)}, x)

	native := target.NativeLayout(32, ImplicitNone)
	a := NewAssignment()
	a.SetResult(x, native)
	a.SetResult(op.Result(), native)
	a.SetOperand(op.ID(), 0, native)
	assert.Empty(t, a.Mismatches(f))

	b := NewAssignment()
	b.SetResult(x, native)
	b.SetResult(op.Result(), native)
	b.SetOperand(op.ID(), 0, native.WithOffsets([2]Offset{Replicated, 0}))
	assert.False(t, a.Equal(b))
	assert.Equal(t, []ir.Use{{Op: op.ID(), Index: 0}}, b.Mismatches(f))
	assert.Contains(t, b.String(), "op #0 operand #0: 32,{*,0},(8,128)")
}
