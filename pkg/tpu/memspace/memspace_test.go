// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memspace

import (
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type views struct {
	f *ir.Function

	buffer, slice, flat, cast, other ir.ValueID
}

func buildViews(t *testing.T) views {
	var v views
	v.f = ir.NewFunction("views")
	f := v.f
	v.buffer = f.Alloca(ir.MemRefType(dtypes.Float32, ir.MemorySpaceAny, 4, 16, 128))
	zero := f.ConstantIndex(0)
	v.slice = f.MemRefSqueeze(f.MemRefSlice(v.buffer, []int{1, 16, 128}, zero, zero, zero))
	v.flat = f.MemRefReshape(v.slice, 16*128)
	v.cast = f.MemorySpaceCast(v.slice, ir.MemorySpaceHBM)
	v.other = f.Alloca(ir.MemRefType(dtypes.Float32, ir.MemorySpaceAny, 8, 128))
	require.NoError(t, f.Validate())
	return v
}

func TestSpecialize(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		v := buildViews(t)
		require.NoError(t, Specialize(v.f, v.buffer, ir.MemorySpaceVMEM))
		for _, alias := range []ir.ValueID{v.buffer, v.slice, v.flat} {
			assert.Equal(t, ir.MemorySpaceVMEM, v.f.Type(alias).MemorySpace, "%%%d", alias)
		}
		assert.Equal(t, ir.MemorySpaceHBM, v.f.Type(v.cast).MemorySpace)
		assert.Equal(t, ir.MemorySpaceAny, v.f.Type(v.other).MemorySpace)
	})

	t.Run("backward", func(t *testing.T) {
		v := buildViews(t)
		require.NoError(t, Specialize(v.f, v.flat, ir.MemorySpaceSMEM))
		assert.Equal(t, ir.MemorySpaceSMEM, v.f.Type(v.buffer).MemorySpace)
		assert.Equal(t, ir.MemorySpaceSMEM, v.f.Type(v.slice).MemorySpace)
		// Specializing again to the same space is fine.
		require.NoError(t, Specialize(v.f, v.buffer, ir.MemorySpaceSMEM))
	})

	t.Run("conflict", func(t *testing.T) {
		v := buildViews(t)
		v.f.SetType(v.flat, v.f.Type(v.flat).WithMemorySpace(ir.MemorySpaceSMEM))
		before := v.f.String()
		err := Specialize(v.f, v.buffer, ir.MemorySpaceVMEM)
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.MemorySpaceConflict), "got %v", err)
		assert.Equal(t, before, v.f.String(), "nothing should be changed on a conflict")
	})

	t.Run("cast boundary", func(t *testing.T) {
		v := buildViews(t)
		require.NoError(t, Specialize(v.f, v.buffer, ir.MemorySpaceVMEM))
		assert.Equal(t, []ir.ValueID{v.cast}, Aliases(v.f, v.cast, v.f.ComputeUses()))
	})

	t.Run("invalid", func(t *testing.T) {
		v := buildViews(t)
		require.Error(t, Specialize(v.f, v.f.ConstantIndex(0), ir.MemorySpaceVMEM))
		require.Error(t, Specialize(v.f, v.buffer, ir.MemorySpaceAny))
	})
}

func TestMemRefType(t *testing.T) {
	f := ir.NewFunction("erased")
	m := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 2, 16, 128))
	zero := f.ConstantIndex(0)
	view := f.MemRefSqueeze(f.MemRefSlice(m, []int{1, 16, 128}, zero, zero, zero))
	rows := f.MemRefReshape(m, 32, 128)
	flat := f.MemRefReshape(m, 2*16*128)
	assert.Nil(t, MemRefType(f, view).Tiling)

	// Tiling the parameter later is seen through the views.
	f.SetType(m, f.Type(m).WithTiling([]int{8, 128}))
	assert.Nil(t, f.Type(view).Tiling)
	assert.Equal(t, []int{8, 128}, MemRefType(f, view).Tiling)
	assert.Equal(t, []int{8, 128}, MemRefType(f, rows).Tiling)
	assert.Nil(t, MemRefType(f, flat).Tiling)
	assert.Equal(t, []int{16, 128}, MemRefType(f, view).Dims())
}
