// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deviceid

import (
	"fmt"
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/interp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemap(t *testing.T) {
	for n := 1; n <= 64; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			physical, err := Remap(n)
			require.NoError(t, err)
			require.Len(t, physical, n)
			assert.True(t, IsBijection(physical), "not a bijection: %v", physical)
			assert.Equal(t, physical, must.M1(Remap(n)))

			// Consecutive logical devices are neighbors in the mesh.
			_, cols := must.M2(MeshShape(n))
			for logical := 1; logical < n; logical++ {
				a, b := physical[logical-1], physical[logical]
				distance := abs(a/cols-b/cols) + abs(a%cols-b%cols)
				assert.Equal(t, 1, distance, "logical devices %d and %d", logical-1, logical)
			}
		})
	}

	assert.Equal(t, []int{0, 1, 2, 5, 4, 3}, must.M1(Remap(6)))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, must.M1(Remap(7)))
	assert.Equal(t, []int{0, 1, 2, 3, 7, 6, 5, 4, 8, 9, 10, 11, 15, 14, 13, 12}, must.M1(Remap(16)))

	for _, n := range []int{0, -1} {
		_, err := Remap(n)
		assert.True(t, diag.Is(err, diag.InvalidConfig), "got %v", err)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestIsBijection(t *testing.T) {
	assert.True(t, IsBijection(nil))
	assert.True(t, IsBijection([]int{2, 0, 1}))
	assert.False(t, IsBijection([]int{0, 0, 1}))
	assert.False(t, IsBijection([]int{1, 2, 3}))
}

func buildCollective(t *testing.T) *ir.Function {
	return must.M1(ir.Build("collective", func(f *ir.Function) {
		src := f.Parameter(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8))
		dst := f.Parameter(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8))
		sem := f.Alloca(ir.SemaphoreType())
		one := f.ConstantIndex(1)
		right := f.Binary(ir.OpTypeRem, f.Add(f.DeviceID(), one), f.ConstantIndex(6))
		f.EnqueueDMA(src, dst, sem, f.ConstantIndex(3))
		f.SemaphoreSignal(sem, one, right)
		f.SemaphoreSignal(sem, one, right)
		f.SemaphoreWait(sem, one)
	}))
}

func TestRun(t *testing.T) {
	f := buildCollective(t)
	require.NoError(t, Run(f, 6))
	var numLoads, numTables int
	for _, op := range f.Ops() {
		switch {
		case op.Type == ir.OpTypeLoad:
			numLoads++
		case op.Type == ir.OpTypeConstant && f.Type(op.Result()).IsMemRef():
			numTables++
			assert.Equal(t, ir.MemorySpaceSMEM, f.Type(op.Result()).MemorySpace)
		}
	}
	assert.Equal(t, 1, numLoads, "dynamic device ids are translated once")
	assert.Equal(t, 1, numTables)

	physical := must.M1(Remap(6))
	for logical := range 6 {
		t.Run(fmt.Sprintf("device=%d", logical), func(t *testing.T) {
			opts := interp.DefaultOptions()
			opts.DeviceID = int64(logical)
			src := interp.NewMemRef(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8), nil)
			dst := interp.NewMemRef(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8), nil)
			result := must.M1(interp.Run(f, opts, src, dst))
			right := physical[(logical+1)%6]
			assert.Equal(t, []interp.Event{
				{Op: ir.OpTypeEnqueueDMA, Device: 5},
				{Op: ir.OpTypeSemaphoreSignal, Device: int64(right)},
				{Op: ir.OpTypeSemaphoreSignal, Device: int64(right)},
			}, result.Events)
		})
	}
}

func TestRunErrors(t *testing.T) {
	t.Run("invalid device count", func(t *testing.T) {
		for _, n := range []int{0, -3} {
			f := buildCollective(t)
			before := f.String()
			err := Run(f, n)
			require.Error(t, err)
			assert.True(t, diag.Is(err, diag.InvalidConfig), "got %v", err)
			assert.Equal(t, before, f.String())
		}
	})

	t.Run("constant device out of range", func(t *testing.T) {
		f := buildCollective(t)
		before := f.String()
		err := Run(f, 2)
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
		assert.Equal(t, before, f.String())
	})
}
