// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package debugassert

import (
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/applyvector"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/infervector"
	"github.com/gomlx/mosaic/pkg/tpu/interp"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target   = layout.DefaultTarget()
	native32 = target.NativeLayout(32, layout.ImplicitNone)
)

func vmemRef(dims ...int) ir.Type {
	return ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, dims...).WithTiling([]int{8, 128})
}

func numAsserts(f *ir.Function) int {
	var n int
	for _, op := range f.Ops() {
		if op.Type == ir.OpTypeAssert {
			n++
		}
	}
	return n
}

// lowered builds a kernel scaling 16 rows of a [64, 256] memref in place, starting at row 16*i, and lowers it
// to vregs.
func lowered(t *testing.T) *ir.Function {
	f := must.M1(ir.Build("scale", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(64, 256))
		i := f.Parameter(ir.IndexType())
		row, zero := f.Mul(i, f.ConstantIndex(16)), f.ConstantIndex(0)
		x := f.Load(ref, []int{16, 256}, row, zero)
		f.Store(f.Mul(x, f.Constant(ir.VectorType(dtypes.Float32, 16, 256), 2)), ref, row, zero)
	}))
	a := must.M1(infervector.Run(f, infervector.DefaultConfig()))
	require.NoError(t, applyvector.Run(f, a, applyvector.DefaultConfig()))
	return f
}

func run(f *ir.Function, i int) ([]float64, error) {
	values := make([]float64, 64*256)
	for ii := range values {
		values[ii] = float64(ii % 17)
	}
	ref := interp.NewMemRef(vmemRef(64, 256), values)
	_, err := interp.Run(f, interp.DefaultOptions(), ref, interp.Scalar(dtypes.Index, float64(i)))
	if err != nil {
		return nil, err
	}
	return ref.MemRef.Values(), nil
}

func TestDynamicAccesses(t *testing.T) {
	reference := lowered(t)
	f := lowered(t)
	require.NoError(t, Run(f, DefaultConfig()))

	// Lower bound, upper bound and alignment of the row index, shared by the load and the store.
	assert.Equal(t, 3, numAsserts(f))

	for i := range 4 {
		want := must.M1(run(reference, i))
		got, err := run(f, i)
		require.NoError(t, err, "i=%d", i)
		assert.Equal(t, want, got, "i=%d", i)
	}
	for _, i := range []int{-1, 4} {
		_, err := run(f, i)
		require.Error(t, err, "i=%d", i)
		assert.ErrorContains(t, err, "assertion failed")
	}
}

func TestIndexSharedByAxes(t *testing.T) {
	// The same index j = 128*i is used for both axes of a [512, 256] memref.
	f := must.M1(ir.Build("diagonal", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(512, 256))
		i := f.Parameter(ir.IndexType())
		j := f.Mul(i, f.ConstantIndex(128))
		tpuops.VRegLoad(f, target, ref, []ir.ValueID{j, j}, native32, []int{8, 128}, 0)
	}))
	require.NoError(t, Run(f, DefaultConfig()))
	assert.Equal(t, 6, numAsserts(f))

	ref := interp.NewMemRef(vmemRef(512, 256), nil)
	testCases := []struct {
		i       int
		wantErr string
	}{
		{0, ""},
		{1, ""},
		{-1, "index of axis 0 is negative"},
		{2, "access of axis 1 out of bounds"},
		{4, "access of axis 0 out of bounds"},
	}
	for _, tc := range testCases {
		_, err := interp.Run(f, interp.DefaultOptions(), ref, interp.Scalar(dtypes.Index, float64(tc.i)))
		if tc.wantErr == "" {
			assert.NoError(t, err, "i=%d", tc.i)
			continue
		}
		assert.ErrorContains(t, err, tc.wantErr, "i=%d", tc.i)
	}
}

func TestStaticAccesses(t *testing.T) {
	build := func(row int, l layout.VectorLayout) *ir.Function {
		return must.M1(ir.Build("static", func(f *ir.Function) {
			ref := f.Parameter(vmemRef(16, 128))
			indices := []ir.ValueID{f.ConstantIndex(row), f.ConstantIndex(0)}
			tpuops.VRegLoad(f, target, ref, indices, l, []int{8, 128}, 0)
		}))
	}
	offset3 := native32.WithOffsets([2]layout.Offset{3, 0})

	f := build(3, offset3)
	require.NoError(t, Run(f, DefaultConfig()))
	assert.Zero(t, numAsserts(f))

	testCases := []struct {
		name string
		row  int
		l    layout.VectorLayout
		kind diag.Kind
	}{
		{"misaligned", 3, native32, diag.LayoutConflict},
		{"out of bounds", 9, offset3.WithOffsets([2]layout.Offset{1, 0}), diag.Unsupported},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := build(tc.row, tc.l)
			before := f.String()
			err := Run(f, DefaultConfig())
			require.Error(t, err)
			assert.True(t, diag.Is(err, tc.kind), "got %v", err)
			assert.Equal(t, before, f.String())
		})
	}
}

func TestRelayoutValidation(t *testing.T) {
	dims := []int{8, 128}
	offset3 := native32.WithOffsets([2]layout.Offset{3, 0})
	f := must.M1(ir.Build("relayout", func(f *ir.Function) {
		x := f.Parameter(ir.VectorType(dtypes.Float32, dims...))
		vregs := tpuops.Unroll(f, target, x, native32)
		f.Return(tpuops.Roll(f, target, tpuops.Relayout(f, target, vregs, dtypes.Float32, dims, native32, offset3), offset3,
			ir.VectorType(dtypes.Float32, dims...)))
	}))
	require.NoError(t, Run(f, DefaultConfig()))

	// A relayout claiming fewer vregs than its layout requires.
	f = must.M1(ir.Build("bad relayout", func(f *ir.Function) {
		x := f.Parameter(ir.VectorType(dtypes.Float32, dims...))
		vregs := tpuops.Unroll(f, target, x, native32)
		data := tpuops.RelayoutData{From: native32, To: offset3, Dims: dims}
		f.AddOp(ir.OpTypeRelayout, data, []ir.Type{tpuops.VRegType(target, dtypes.Float32)}, vregs...)
	}))
	err := Run(f, DefaultConfig())
	require.Error(t, err)
	assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
}
