// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"maps"
	"slices"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
)

// kernels are the sample functions that can be compiled, by name.
var kernels = map[string]func(f *ir.Function){
	// axpy: out = a*x + y, on linalg operations.
	"axpy": func(f *ir.Function) {
		a := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 256))
		x := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 256))
		y := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 256))
		out := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 256))
		f.LinalgElementwise(ir.OpTypeMul, out, a, x)
		f.LinalgElementwise(ir.OpTypeAdd, out, out, y)
	},

	// bf16_square: bfloat16 arithmetic, widened to float32 on generations without a bfloat16 ALU.
	"bf16_square": func(f *ir.Function) {
		x := f.Parameter(ir.MemRefType(dtypes.BFloat16, ir.MemorySpaceVMEM, 32, 256))
		out := f.Parameter(ir.MemRefType(dtypes.BFloat16, ir.MemorySpaceVMEM, 32, 256))
		f.LinalgElementwise(ir.OpTypeMul, out, x, x)
	},

	// matmul: c += a @ b.
	"matmul": func(f *ir.Function) {
		a := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 512))
		b := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 512, 512))
		c := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 16, 512))
		f.LinalgMatmul(a, b, c)
	},

	// row_mask: a block of 16 rows starting at a dynamic (aligned) row is scaled, compared to its row sums
	// and written back masked.
	"row_mask": func(f *ir.Function) {
		ref := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 64, 256))
		i := f.Parameter(ir.IndexType())
		row, zero := f.Mul(i, f.ConstantIndex(16)), f.ConstantIndex(0)
		x := f.Load(ref, []int{16, 256}, row, zero)
		scale := f.Broadcast(f.Constant(ir.ScalarType(dtypes.Float32), 0.5), 16, 256)
		y := f.Mul(x, scale)
		sums := f.Reduce(y, ir.ReduceSum, 1)
		mask := f.Binary(ir.OpTypeGreaterThan, y, f.Broadcast(f.Reshape(sums, 16, 1), 16, 256))
		f.Store(f.Select(mask, y, scale), ref, row, zero)
	},

	// ring: sends a buffer to the next device of a ring and signals it.
	"ring": func(f *ir.Function) {
		src := f.Parameter(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8, 128))
		dst := f.Parameter(ir.MemRefType(dtypes.Int32, ir.MemorySpaceVMEM, 8, 128))
		numDevices := f.Parameter(ir.IndexType())
		sem := f.Alloca(ir.SemaphoreType())
		one := f.ConstantIndex(1)
		next := f.Binary(ir.OpTypeRem, f.Add(f.DeviceID(), one), numDevices)
		f.EnqueueDMA(src, dst, sem, next)
		f.SemaphoreSignal(sem, one, next)
		f.SemaphoreWait(sem, one)
	},

	// unaligned: loads at a row index that can't be proven to be aligned to the vreg tiles, and fails to
	// compile.
	"unaligned": func(f *ir.Function) {
		ref := f.Parameter(ir.MemRefType(dtypes.Float32, ir.MemorySpaceVMEM, 64, 128))
		row := f.Parameter(ir.IndexType())
		zero := f.ConstantIndex(0)
		f.Store(f.Load(ref, []int{8, 128}, row, zero), ref, zero, zero)
	},
}

// kernelNames returns the names of the sample kernels, sorted.
func kernelNames() []string {
	return slices.Sorted(maps.Keys(kernels))
}
