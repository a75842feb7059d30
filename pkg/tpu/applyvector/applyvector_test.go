// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package applyvector

import (
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/infervector"
	"github.com/gomlx/mosaic/pkg/tpu/interp"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	target   = layout.DefaultTarget()
	native32 = target.NativeLayout(32, layout.ImplicitNone)
)

func vmemRef(dtype dtypes.DType, dims ...int) ir.Type {
	return ir.MemRefType(dtype, ir.MemorySpaceVMEM, dims...).WithTiling([]int{8, 128})
}

// pattern returns small integer values, exactly representable in every dtype used in the tests.
func pattern(n int) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = float64((ii*7)%13 - 6)
	}
	return values
}

// arguments returns fresh arguments for the parameters of f: scalars are 1.
func arguments(f *ir.Function) []interp.Value {
	var args []interp.Value
	for _, p := range f.Parameters() {
		t := f.Type(p)
		switch {
		case t.IsMemRef():
			args = append(args, interp.NewMemRef(t, pattern(t.Shape.Size())))
		case t.IsVector():
			args = append(args, interp.Vector(t.DType(), t.Dims(), pattern(t.Shape.Size())))
		default:
			args = append(args, interp.Scalar(t.DType(), 1))
		}
	}
	return args
}

func countOps(f *ir.Function) map[ir.OpType]int {
	counts := make(map[ir.OpType]int)
	for _, op := range f.Ops() {
		counts[op.Type]++
	}
	return counts
}

// lowerAndCompare infers the layouts of f, lowers it, and checks that the lowered function computes the same
// outputs and memory contents as the original.
func lowerAndCompare(t *testing.T, f *ir.Function, config Config) {
	reference := f.Clone()
	a, err := infervector.Run(f, infervector.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, Run(f, a, config))
	require.NoError(t, f.Validate())
	for _, op := range f.Ops() {
		for _, v := range op.Results {
			if vt := f.Type(v); vt.IsVector() && op.Type != ir.OpTypeRollVectors {
				bitwidth, _ := layout.BitwidthOf(vt.DType())
				shape := target.VRegShape(bitwidth)
				require.Equal(t, shape[:], vt.Dims(), "%s yields a vector that is not a vreg", f.OpString(op))
			}
		}
	}

	opts := interp.DefaultOptions()
	wantArgs, gotArgs := arguments(reference), arguments(f)
	want := must.M1(interp.Run(reference, opts, wantArgs...))
	got := must.M1(interp.Run(f, opts, gotArgs...))
	require.Len(t, got.Outputs, len(want.Outputs))
	for ii := range want.Outputs {
		assert.Equal(t, want.Outputs[ii].Data, got.Outputs[ii].Data, "output #%d", ii)
	}
	for ii := range wantArgs {
		if wantArgs[ii].MemRef != nil {
			assert.Equal(t, wantArgs[ii].MemRef.Values(), gotArgs[ii].MemRef.Values(), "memref argument #%d", ii)
		}
	}
}

func TestTiledAdd(t *testing.T) {
	f := must.M1(ir.Build("add", func(f *ir.Function) {
		x := f.Parameter(ir.VectorType(dtypes.Float32, 256, 256))
		y := f.Parameter(ir.VectorType(dtypes.Float32, 256, 256))
		f.Return(f.Add(x, y))
	}))
	lowerAndCompare(t, f, DefaultConfig())
	counts := countOps(f)
	assert.Equal(t, 64, counts[ir.OpTypeAdd])
	assert.Zero(t, counts[ir.OpTypeRelayout])
	assert.Equal(t, 2, counts[ir.OpTypeUnrollVectors])
	assert.Equal(t, 1, counts[ir.OpTypeRollVectors])
}

func TestSemantics(t *testing.T) {
	testCases := []struct {
		name   string
		config Config
		build  func(f *ir.Function)
	}{
		{"splats", DefaultConfig(), func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Float32, 16, 256))
			two := f.Constant(ir.VectorType(dtypes.Float32, 16, 256), 2)
			one := f.Broadcast(f.Constant(ir.ScalarType(dtypes.Float32), 1), 16, 256)
			f.Return(f.Add(f.Mul(x, two), one))
		}},
		{"loads with offsets", DefaultConfig(), func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, 16, 256))
			out := f.Parameter(vmemRef(dtypes.Float32, 8, 128))
			three, zero := f.ConstantIndex(3), f.ConstantIndex(0)
			a := f.Load(ref, []int{8, 128}, three, zero)
			b := f.Load(ref, []int{8, 128}, three, f.ConstantIndex(128))
			sum := f.Add(a, b)
			f.Store(sum, out, zero, zero)
			f.Return(sum)
		}},
		{"shape ops", DefaultConfig(), func(f *ir.Function) {
			x := f.Parameter(ir.VectorType(dtypes.Float32, 2, 16, 256))
			row := f.Parameter(ir.VectorType(dtypes.Float32, 256))
			flat := f.Reshape(x, 32, 256)
			regrouped := f.Reshape(flat, 2, 2, 8, 256)
			f.Return(
				f.Reduce(x, ir.ReduceSum, 2),
				f.Reduce(x, ir.ReduceMax, 0, 1),
				f.Reduce(x, ir.ReduceMin, 0),
				f.Broadcast(row, 16, 256),
				flat,
				f.Transpose(regrouped, 1, 0, 2, 3),
				f.Transpose(flat, 1, 0),
			)
		}},
		{"unaligned reductions", DefaultConfig(), func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, 16, 256))
			zero := f.ConstantIndex(0)
			block := f.Load(ref, []int{5, 128}, f.ConstantIndex(3), zero)
			wide := f.Load(ref, []int{8, 200}, zero, zero)
			f.Return(f.Reduce(block, ir.ReduceSum, 0), f.Reduce(wide, ir.ReduceMax, 1))
		}},
		{"kernel", DefaultConfig(), func(f *ir.Function) {
			ref := f.Parameter(vmemRef(dtypes.Float32, 64, 256))
			i := f.Parameter(ir.IndexType())
			zero := f.ConstantIndex(0)
			x := f.Load(ref, []int{16, 256}, f.Mul(i, f.ConstantIndex(16)), zero)
			scale := f.Broadcast(f.Constant(ir.ScalarType(dtypes.Float32), 0.5), 16, 256)
			y := f.Mul(x, scale)
			sums := f.Reduce(y, ir.ReduceSum, 1)
			mask := f.Binary(ir.OpTypeGreaterThan, y, f.Broadcast(f.Reshape(sums, 16, 1), 16, 256))
			f.Store(f.Select(mask, y, scale), ref, zero, zero)
		}},
		{"mixed widths", DefaultConfig(), func(f *ir.Function) {
			lhs := f.Parameter(ir.VectorType(dtypes.BFloat16, 32, 128))
			rhs := f.Parameter(ir.VectorType(dtypes.BFloat16, 128, 256))
			acc := f.Parameter(ir.VectorType(dtypes.Float32, 32, 256))
			narrow := f.Convert(f.Matmul(lhs, rhs, acc), dtypes.BFloat16)
			f.Return(narrow, f.Convert(narrow, dtypes.Float32))
		}},
		{"matmul 128x128 unit", DefaultConfig(), func(f *ir.Function) {
			lhs := f.Parameter(ir.VectorType(dtypes.Float32, 20, 384))
			rhs := f.Parameter(ir.VectorType(dtypes.Float32, 384, 256))
			f.Return(f.Matmul(lhs, rhs, f.Constant(ir.VectorType(dtypes.Float32, 20, 256), 1)))
		}},
		{"matmul 256x256 unit", ForGeneration(6), func(f *ir.Function) {
			lhs := f.Parameter(ir.VectorType(dtypes.Float32, 16, 384))
			rhs := f.Parameter(ir.VectorType(dtypes.Float32, 384, 384))
			acc := f.Parameter(ir.VectorType(dtypes.Float32, 16, 384))
			f.Return(f.Matmul(lhs, rhs, acc))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := must.M1(ir.Build(tc.name, tc.build))
			lowerAndCompare(t, f, tc.config)
		})
	}
}

func TestMatmulPasses(t *testing.T) {
	build := func(f *ir.Function) {
		lhs := f.Parameter(ir.VectorType(dtypes.Float32, 8, 512))
		rhs := f.Parameter(ir.VectorType(dtypes.Float32, 512, 512))
		acc := f.Parameter(ir.VectorType(dtypes.Float32, 8, 512))
		f.Return(f.Matmul(lhs, rhs, acc))
	}
	for _, tc := range []struct {
		name   string
		config Config
		passes int
	}{
		{"128x128", DefaultConfig(), 16},
		{"256x256", ForGeneration(6), 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := must.M1(ir.Build("matmul", build))
			lowerAndCompare(t, f, tc.config)
			assert.Equal(t, tc.passes, countOps(f)[ir.OpTypeMXUMatmul])
		})
	}
}

func TestRelayoutsAreShared(t *testing.T) {
	f := must.M1(ir.Build("shared", func(f *ir.Function) {
		ref := f.Parameter(vmemRef(dtypes.Float32, 16, 256))
		out0 := f.Parameter(vmemRef(dtypes.Float32, 16, 256))
		out1 := f.Parameter(vmemRef(dtypes.Float32, 16, 256))
		zero := f.ConstantIndex(0)
		x := f.Load(ref, []int{8, 128}, f.ConstantIndex(3), zero)
		f.Store(x, out0, zero, zero)
		f.Store(x, out1, f.ConstantIndex(8), f.ConstantIndex(128))
	}))
	lowerAndCompare(t, f, DefaultConfig())
	assert.Equal(t, 1, countOps(f)[ir.OpTypeRelayout])
}

func TestUnsupportedLeavesFunctionUnchanged(t *testing.T) {
	var product ir.ValueID
	f := must.M1(ir.Build("matmul", func(f *ir.Function) {
		lhs := f.Parameter(ir.VectorType(dtypes.Float32, 8, 128))
		rhs := f.Parameter(ir.VectorType(dtypes.Float32, 128, 128))
		acc := f.Parameter(ir.VectorType(dtypes.Float32, 8, 128))
		product = f.Matmul(lhs, rhs, acc)
		f.Return(product)
	}))
	before := f.String()

	t.Run("missing layouts", func(t *testing.T) {
		err := Run(f, layout.NewAssignment(), DefaultConfig())
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
		assert.Equal(t, before, f.String())
	})

	t.Run("non-native matmul operand", func(t *testing.T) {
		a := layout.NewAssignment()
		for _, v := range append(f.Parameters(), product) {
			a.SetResult(v, native32)
		}
		a.SetOperand(f.DefiningOp(product).ID(), 0, layout.New(32, [2]layout.Offset{0, 0}, [2]int{1, 128}, layout.ImplicitNone))
		a.SetOutput(0, native32)
		err := Run(f, a, DefaultConfig())
		require.Error(t, err)
		assert.True(t, diag.Is(err, diag.Unsupported), "got %v", err)
		assert.Equal(t, before, f.String())
	})
}

func TestConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, 128, ForGeneration(5).MXUContractingSize)
	assert.Equal(t, 256, ForGeneration(6).MXUNonContractingSize)

	f := must.M1(ir.Build("empty", func(f *ir.Function) {
		f.Parameter(ir.VectorType(dtypes.Float32, 8, 128))
	}))
	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"not a multiple of the lanes", func(c *Config) { c.MXUContractingSize = 100 }},
		{"output columns", func(c *Config) { c.MXUNonContractingSize = 64 }},
		{"partial rhs vregs", func(c *Config) {
			c.LaneCount, c.SublaneCount = 8, 16
			c.MXUContractingSize, c.MXUNonContractingSize = 8, 8
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.modify(&config)
			err := Run(f, layout.NewAssignment(), config)
			assert.True(t, diag.Is(err, diag.InvalidConfig), "got %v", err)
		})
	}

	config := DefaultConfig()
	config.LaneCount, config.SublaneCount = 8, 16
	config.MXUContractingSize, config.MXUNonContractingSize = 64, 8
	require.NoError(t, config.Validate())
}
