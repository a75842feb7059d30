// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infermemref

import (
	"fmt"
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileTables(t *testing.T) {
	testCases := []struct {
		generation int
		dtype      dtypes.DType
		dims       []int
		want       []int
	}{
		{GenerationIndependent, dtypes.Float32, []int{256, 256}, []int{8, 128}},
		{GenerationIndependent, dtypes.BFloat16, []int{256, 256}, []int{16, 128}},
		{GenerationIndependent, dtypes.Int8, []int{256, 256}, []int{32, 128}},
		{5, dtypes.BFloat16, []int{256, 256}, []int{8, 128}},
		{6, dtypes.BFloat16, []int{256, 256}, []int{16, 128}},
		{GenerationIndependent, dtypes.Float32, []int{2, 3, 128}, []int{4, 128}},
		{GenerationIndependent, dtypes.Float32, []int{1, 128}, []int{1, 128}},
		{GenerationIndependent, dtypes.BFloat16, []int{1, 128}, []int{2, 128}},
		{3, dtypes.BFloat16, []int{1, 128}, []int{4, 128}},
		{GenerationIndependent, dtypes.Float32, []int{1024}, []int{128}},
		{GenerationIndependent, dtypes.BFloat16, []int{1024}, []int{256}},
		{GenerationIndependent, dtypes.Int64, []int{8, 128}, nil},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("gen%d-%s-%v", tc.generation, tc.dtype, tc.dims), func(t *testing.T) {
			config := DefaultConfig()
			config.HardwareGeneration = tc.generation
			got := config.Tiling(ir.MemRefType(tc.dtype, ir.MemorySpaceVMEM, tc.dims...))
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("minor-to-major", func(t *testing.T) {
		// Physically transposed: the physical second minor axis is axis 1 (of size 4).
		mt := ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 64, 4)
		mt.MinorToMajor = []int{0, 1}
		assert.Equal(t, []int{4, 128}, DefaultConfig().Tiling(mt))
	})
}

func TestRun(t *testing.T) {
	var param, buffer, view, flat, sem ir.ValueID
	f := must.M1(ir.Build("kernel", func(f *ir.Function) {
		param = f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceAny, 64, 256))
		buffer = f.Alloca(ir.MemRefType(dtypes.BFloat16, ir.MemorySpaceAny, 4, 32, 128))
		zero := f.ConstantIndex(0)
		view = f.MemRefSqueeze(f.MemRefSlice(buffer, []int{1, 32, 128}, zero, zero, zero))
		flat = f.MemRefReshape(buffer, 4*32*128)
		sem = f.Alloca(ir.SemaphoreType())
	}))
	require.NoError(t, Run(f, DefaultConfig()))
	assert.Equal(t, []int{8, 128}, f.Type(param).Tiling)
	assert.Equal(t, ir.MemorySpaceAny, f.Type(param).MemorySpace, "parameters keep their memory space")
	assert.Equal(t, []int{16, 128}, f.Type(buffer).Tiling)
	assert.Equal(t, ir.MemorySpaceVMEM, f.Type(buffer).MemorySpace)
	assert.Equal(t, []int{16, 128}, f.Type(view).Tiling)
	assert.Equal(t, ir.MemorySpaceVMEM, f.Type(view).MemorySpace)
	assert.Nil(t, f.Type(flat).Tiling)
	assert.Equal(t, ir.MemorySpaceSemaphore, f.Type(sem).MemorySpace)

	// Running again is a no-op.
	before := f.String()
	require.NoError(t, Run(f, DefaultConfig()))
	assert.Equal(t, before, f.String())
}

func TestConstraints(t *testing.T) {
	build := func(tiling []int, space ir.MemorySpace) (*ir.Function, ir.ValueID) {
		var buffer ir.ValueID
		f := must.M1(ir.Build("constrained", func(f *ir.Function) {
			f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceAny, 16, 128))
			buffer = f.Alloca(ir.MemRefType(dtypes.Float32, space, 16, 128).WithTiling(tiling))
		}))
		return f, buffer
	}

	t.Run("legal", func(t *testing.T) {
		f, buffer := build([]int{4, 128}, ir.MemorySpaceAny)
		require.NoError(t, Run(f, DefaultConfig()))
		assert.Equal(t, []int{4, 128}, f.Type(buffer).Tiling)
	})

	for _, tiling := range [][]int{{3, 128}, {8, 256}, {8, 64}, {8, 8, 128}} {
		t.Run(fmt.Sprintf("illegal-%v", tiling), func(t *testing.T) {
			f, _ := build(tiling, ir.MemorySpaceAny)
			before := f.String()
			err := Run(f, DefaultConfig())
			require.Error(t, err)
			assert.True(t, diag.Is(err, diag.IncompatibleConstraint), "got %v", err)
			assert.Equal(t, before, f.String(), "function must be unchanged on error")
		})
	}

	t.Run("generation", func(t *testing.T) {
		f, _ := build([]int{1, 128}, ir.MemorySpaceAny)
		config := DefaultConfig()
		config.HardwareGeneration = 3
		require.True(t, diag.Is(Run(f, config), diag.IncompatibleConstraint))
	})

	t.Run("invalid config", func(t *testing.T) {
		f, _ := build(nil, ir.MemorySpaceAny)
		config := DefaultConfig()
		config.LaneCount = 100
		require.True(t, diag.Is(Run(f, config), diag.InvalidConfig))
	})
}
