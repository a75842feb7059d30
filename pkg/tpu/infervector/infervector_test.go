// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infervector

import (
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target   = layout.DefaultTarget()
	native32 = target.NativeLayout(32, layout.ImplicitNone)
	R        = layout.Replicated
)

func resultLayout(t *testing.T, a *layout.Assignment, v ir.ValueID) layout.VectorLayout {
	l, found := a.Result(v)
	require.True(t, found, "no layout for %%%d", v)
	return l
}

func vmemRef(dtype dtypes.DType, tiling []int, dims ...int) ir.Type {
	return ir.MemRefType(dtype, ir.MemorySpaceVMEM, dims...).WithTiling(tiling)
}

func TestElementwise(t *testing.T) {
	var x, y, sum ir.ValueID
	f := must.M1(ir.Build("add", func(f *ir.Function) {
		x = f.Parameter(ir.VectorType(dtypes.Float32, 256, 256))
		y = f.Parameter(ir.VectorType(dtypes.Float32, 256, 256))
		sum = f.Add(x, y)
		f.Return(sum)
	}))
	a, err := Run(f, DefaultConfig())
	require.NoError(t, err)
	for _, v := range []ir.ValueID{x, y, sum} {
		assert.Equal(t, native32, resultLayout(t, a, v))
	}
	assert.Equal(t, [2]int{8, 128}, resultLayout(t, a, sum).Tiling)
	assert.Empty(t, a.Mismatches(f))
	assert.Equal(t, 64, target.NumVRegs(resultLayout(t, a, sum), []int{256, 256}))
}

func TestOffsetConflict(t *testing.T) {
	f := must.M1(ir.Build("conflict", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(dtypes.Float32, []int{8, 128}, 16, 128))
		zero := f.ConstantIndex(0)
		top := f.Load(ref, []int{8, 128}, zero, zero)
		shifted := f.Load(ref, []int{8, 128}, f.ConstantIndex(4), zero)
		f.Return(f.Add(top, shifted))
	}))
	_, err := Run(f, DefaultConfig())
	require.Error(t, err)
	assert.True(t, diag.Is(err, diag.LayoutConflict), "got %v", err)
}

func TestLoads(t *testing.T) {
	t.Run("offsets", func(t *testing.T) {
		var loaded ir.ValueID
		f := must.M1(ir.Build("offsets", func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, []int{8, 128}, 32, 256))
			loaded = f.Load(ref, []int{8, 128}, f.ConstantIndex(11), f.ConstantIndex(128))
			f.Store(loaded, ref, f.ConstantIndex(3), f.ConstantIndex(0))
		}))
		a := must.M1(Run(f, DefaultConfig()))
		want := native32.WithOffsets([2]layout.Offset{3, 0}).WithMemorySpace(ir.MemorySpaceVMEM)
		assert.Equal(t, want, resultLayout(t, a, loaded))
		assert.Empty(t, a.Mismatches(f))
	})

	t.Run("dynamic aligned", func(t *testing.T) {
		var loaded ir.ValueID
		f := must.M1(ir.Build("aligned", func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, []int{8, 128}, 64, 128))
			i := f.Parameter(ir.IndexType())
			loaded = f.Load(ref, []int{8, 128}, f.Mul(i, f.ConstantIndex(8)), f.ConstantIndex(0))
			f.Return(loaded)
		}))
		a := must.M1(Run(f, DefaultConfig()))
		assert.Equal(t, native32.WithMemorySpace(ir.MemorySpaceVMEM), resultLayout(t, a, loaded))
		// The function result requires the register resident native layout, which only differs by the
		// memory space.
		assert.Equal(t, []ir.Use{{Op: ir.NoOp, Index: 0}}, a.Mismatches(f))
		assert.True(t, layout.Generalizes(resultLayout(t, a, loaded), must.M1(outputLayout(a, 0))))
	})

	t.Run("dynamic unaligned", func(t *testing.T) {
		f := must.M1(ir.Build("unaligned", func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, []int{8, 128}, 64, 128))
			i := f.Parameter(ir.IndexType())
			f.Return(f.Load(ref, []int{8, 128}, f.Mul(i, f.ConstantIndex(4)), f.ConstantIndex(0)))
		}))
		_, err := Run(f, DefaultConfig())
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)

		// Without fuel nothing can be proven.
		config := DefaultConfig()
		config.DivisibilityFuel = 0
		_, err = Run(f, config)
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
	})

	t.Run("narrow lane tiling", func(t *testing.T) {
		var wide, narrow ir.ValueID
		f := must.M1(ir.Build("narrow", func(f *ir.Function) {
			zero := f.ConstantIndex(0)
			wideRef := f.Parameter(vmemRef(dtypes.Float32, []int{16, 64}, 16, 256))
			wide = f.Load(wideRef, []int{16, 256}, zero, zero)
			f.Store(wide, wideRef, zero, zero)
			narrowRef := f.Parameter(vmemRef(dtypes.Float32, []int{16, 64}, 16, 64))
			narrow = f.Load(narrowRef, []int{16, 64}, zero, zero)
			f.Store(narrow, narrowRef, zero, zero)
		}))
		a := must.M1(Run(f, DefaultConfig()))
		// 256 columns span all the lanes: the memref tiling can't be used.
		assert.Equal(t, native32.WithMemorySpace(ir.MemorySpaceVMEM), resultLayout(t, a, wide))
		assert.Equal(t, [2]int{16, 64}, resultLayout(t, a, narrow).Tiling)
		assert.Empty(t, a.Mismatches(f))
	})

	t.Run("scalar memory", func(t *testing.T) {
		f := must.M1(ir.Build("smem", func(f *ir.Function) {
			ref := f.Parameter(ir.MemRefType(dtypes.Int32, ir.MemorySpaceSMEM, 8, 128))
			zero := f.ConstantIndex(0)
			f.Return(f.Load(ref, []int{8, 128}, zero, zero))
		}))
		_, err := Run(f, DefaultConfig())
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
	})
}

func outputLayout(a *layout.Assignment, index int) (layout.VectorLayout, error) {
	l, found := a.Output(index)
	if !found {
		return l, diag.Errorf(PassName, diag.LayoutConflict, "no layout for result #%d", index)
	}
	return l, nil
}

func TestSplatAdoptsTiling(t *testing.T) {
	var loaded, splat, sum ir.ValueID
	f := must.M1(ir.Build("splat", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(dtypes.Float32, []int{4, 128}, 4, 256))
		zero := f.ConstantIndex(0)
		loaded = f.Load(ref, []int{4, 256}, zero, zero)
		splat = f.Constant(ir.VectorType(dtypes.Float32, 4, 256), 1)
		sum = f.Add(loaded, splat)
		f.Store(sum, ref, zero, zero)
	}))
	a := must.M1(Run(f, DefaultConfig()))
	tiled := layout.New(32, [2]layout.Offset{0, 0}, [2]int{4, 128}, layout.ImplicitNone)
	assert.Equal(t, tiled, resultLayout(t, a, sum))
	assert.Equal(t, tiled.WithOffsets([2]layout.Offset{R, R}), resultLayout(t, a, splat))
	assert.True(t, layout.Generalizes(resultLayout(t, a, splat), must.M1(operandLayout(f, a, sum, 1))))
}

// operandLayout returns the layout required for the operand #index of the op defining v.
func operandLayout(f *ir.Function, a *layout.Assignment, v ir.ValueID, index int) (layout.VectorLayout, error) {
	op := f.DefiningOp(v)
	l, found := a.Operand(op.ID(), index)
	if !found {
		return l, diag.OpErrorf(PassName, diag.LayoutConflict, op, "no required layout for operand #%d", index)
	}
	return l, nil
}

func TestShapeOps(t *testing.T) {
	var x, rowSums, colMax, row, broadcast, flat, regrouped, transposed, swapped ir.ValueID
	f := must.M1(ir.Build("shapes", func(f *ir.Function) {
		x = f.Parameter(ir.VectorType(dtypes.Float32, 2, 16, 256))
		rowSums = f.Reduce(x, ir.ReduceSum, 2)
		colMax = f.Reduce(x, ir.ReduceMax, 0, 1)
		row = f.Parameter(ir.VectorType(dtypes.Float32, 256))
		broadcast = f.Broadcast(row, 16, 256)
		flat = f.Reshape(x, 32, 256)
		regrouped = f.Reshape(flat, 2, 2, 8, 256)
		transposed = f.Transpose(regrouped, 1, 0, 2, 3)
		swapped = f.Transpose(flat, 1, 0)
	}))
	a := must.M1(Run(f, DefaultConfig()))
	assert.Equal(t, native32.WithOffsets([2]layout.Offset{0, R}).WithImplicitDim(layout.ImplicitMinor),
		resultLayout(t, a, rowSums))
	assert.Equal(t, native32.WithOffsets([2]layout.Offset{R, 0}).WithImplicitDim(layout.ImplicitSecondMinor),
		resultLayout(t, a, colMax))
	assert.Equal(t, target.NativeLayout(32, layout.ImplicitSecondMinor), resultLayout(t, a, row))
	assert.Equal(t, native32.WithOffsets([2]layout.Offset{R, 0}), resultLayout(t, a, broadcast))
	for _, v := range []ir.ValueID{flat, regrouped, transposed, swapped} {
		assert.Equal(t, native32, resultLayout(t, a, v))
	}
	assert.Empty(t, a.Mismatches(f))
}

func TestUnsupported(t *testing.T) {
	testCases := []struct {
		name  string
		build func(f *ir.Function)
	}{
		{"reduce both minor axes", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Float32, 2, 8, 128))
			f.Return(f.Reduce(x, ir.ReduceSum, 1, 2))
		}},
		{"bf16 transpose", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.BFloat16, 16, 128))
			f.Return(f.Transpose(x, 1, 0))
		}},
		{"mixed transpose", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Float32, 2, 8, 128))
			f.Return(f.Transpose(x, 1, 0, 2))
		}},
		{"unaligned reshape", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Float32, 3, 5, 128))
			f.Return(f.Reshape(x, 15, 128))
		}},
		{"bf16 compare", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.BFloat16, 16, 128))
			f.Return(f.Binary(ir.OpTypeLessThan, x, x))
		}},
		{"int64 vectors", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Int64, 8, 128))
			f.Return(f.Add(x, x))
		}},
		{"bf16 accumulator", func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.BFloat16, 16, 128))
			y := f.Parameter(ir.VectorType(dtypes.BFloat16, 128, 128))
			f.Return(f.Matmul(x, y, x))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := must.M1(ir.Build(tc.name, tc.build))
			_, err := Run(f, DefaultConfig())
			require.Error(t, err)
			assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
		})
	}
}

func TestMixedWidths(t *testing.T) {
	var narrow, wide, product ir.ValueID
	f := must.M1(ir.Build("mixed", func(f *ir.Function) {
		lhs := f.Parameter(ir.VectorType(dtypes.BFloat16, 32, 128))
		rhs := f.Parameter(ir.VectorType(dtypes.BFloat16, 128, 256))
		acc := f.Parameter(ir.VectorType(dtypes.Float32, 32, 256))
		product = f.Matmul(lhs, rhs, acc)
		narrow = f.Convert(product, dtypes.BFloat16)
		wide = f.Convert(narrow, dtypes.Float32)
		f.Return(narrow, wide)
	}))
	a := must.M1(Run(f, DefaultConfig()))
	native16 := target.NativeLayout(16, layout.ImplicitNone)
	assert.Equal(t, native32, resultLayout(t, a, product))
	assert.Equal(t, native16, resultLayout(t, a, narrow))
	assert.Equal(t, native32, resultLayout(t, a, wide))
	assert.Equal(t, [2]int{16, 128}, must.M1(operandLayout(f, a, product, 0)).Tiling)
	assert.Empty(t, a.Mismatches(f))
}

func TestDeterminism(t *testing.T) {
	f := must.M1(ir.Build("kernel", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(dtypes.Float32, []int{8, 128}, 64, 256))
		i := f.Parameter(ir.IndexType())
		zero := f.ConstantIndex(0)
		x := f.Load(ref, []int{16, 256}, f.Mul(i, f.ConstantIndex(16)), zero)
		scale := f.Broadcast(f.Constant(ir.ScalarType(dtypes.Float32), 0.5), 16, 256)
		y := f.Mul(x, scale)
		sums := f.Reduce(y, ir.ReduceSum, 1)
		mask := f.Binary(ir.OpTypeGreaterThan, y, f.Broadcast(f.Reshape(sums, 16, 1), 16, 256))
		f.Store(f.Select(mask, y, scale), ref, zero, zero)
	}))
	first := must.M1(Run(f, DefaultConfig()))
	for range 3 {
		again := must.M1(Run(f, DefaultConfig()))
		require.True(t, first.Equal(again), "assignments differ:\n%s\nvs\n%s", first, again)
	}
	assert.Equal(t, first.String(), must.M1(Run(f, DefaultConfig())).String())
}

func TestInvalidConfig(t *testing.T) {
	f := must.M1(ir.Build("empty", func(f *ir.Function) {
		f.Parameter(ir.VectorType(dtypes.Float32, 8, 128))
	}))
	_, err := Run(f, Config{LaneCount: 128, SublaneCount: 6})
	assert.True(t, diag.Is(err, diag.InvalidConfig), "got %v", err)
	_, err = Run(f, Config{LaneCount: 0, SublaneCount: 8})
	assert.True(t, diag.Is(err, diag.InvalidConfig), "got %v", err)
}
