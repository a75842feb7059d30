// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/shapes"
)

// This file holds the typed constructors of the high-level operations.
// They all panic (exceptions.Panicf) on invalid inputs.

// check panics with err if it is not nil.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

// Constant creates a scalar constant, or a vector filled with value (a "splat"), for the given type.
func (f *Function) Constant(t Type, value float64) ValueID {
	if err := checkScalarOrVector(OpTypeConstant, t); err != nil {
		panic(err)
	}
	return f.addSingle(OpTypeConstant, ConstantData{Value: value}, t)
}

// ConstantIndex creates an Index scalar constant.
func (f *Function) ConstantIndex(value int) ValueID {
	return f.Constant(IndexType(), float64(value))
}

// ConstantTable creates a read-only rank-1 memory reference holding the given values.
func (f *Function) ConstantTable(dtype dtypes.DType, space MemorySpace, values []float64) ValueID {
	if len(values) == 0 {
		exceptions.Panicf("ConstantTable: no values given")
	}
	return f.addSingle(OpTypeConstant, ConstantData{Dense: slices.Clone(values)},
		MemRefType(dtype, space, len(values)))
}

// Unary adds an elementwise unary operation.
func (f *Function) Unary(opType OpType, operand ValueID) ValueID {
	f.checkValue(operand)
	t, err := UnaryOpType(opType, f.Type(operand))
	check(err)
	return f.addSingle(opType, nil, t, operand)
}

// Binary adds an elementwise binary operation or a comparison.
func (f *Function) Binary(opType OpType, lhs, rhs ValueID) ValueID {
	f.checkValue(lhs)
	f.checkValue(rhs)
	t, err := BinaryOpType(opType, f.Type(lhs), f.Type(rhs))
	check(err)
	return f.addSingle(opType, nil, t, lhs, rhs)
}

// Add returns lhs + rhs.
func (f *Function) Add(lhs, rhs ValueID) ValueID { return f.Binary(OpTypeAdd, lhs, rhs) }

// Sub returns lhs - rhs.
func (f *Function) Sub(lhs, rhs ValueID) ValueID { return f.Binary(OpTypeSub, lhs, rhs) }

// Mul returns lhs * rhs.
func (f *Function) Mul(lhs, rhs ValueID) ValueID { return f.Binary(OpTypeMul, lhs, rhs) }

// Select returns onTrue where cond is true, onFalse otherwise.
func (f *Function) Select(cond, onTrue, onFalse ValueID) ValueID {
	f.checkValue(cond)
	f.checkValue(onTrue)
	f.checkValue(onFalse)
	t, err := SelectOpType(f.Type(cond), f.Type(onTrue), f.Type(onFalse))
	check(err)
	return f.addSingle(OpTypeSelect, nil, t, cond, onTrue, onFalse)
}

// Convert converts operand to the given dtype.
func (f *Function) Convert(operand ValueID, dtype dtypes.DType) ValueID {
	f.checkValue(operand)
	t, err := ConvertOpType(f.Type(operand), dtype)
	check(err)
	return f.addSingle(OpTypeConvertDType, nil, t, operand)
}

// Broadcast operand (a scalar or a vector) to a vector of the given dimensions.
func (f *Function) Broadcast(operand ValueID, dims ...int) ValueID {
	f.checkValue(operand)
	t, err := BroadcastOpType(f.Type(operand), dims)
	check(err)
	return f.addSingle(OpTypeBroadcast, nil, t, operand)
}

// Reshape a vector.
func (f *Function) Reshape(operand ValueID, dims ...int) ValueID {
	f.checkValue(operand)
	t, err := ReshapeOpType(f.Type(operand), dims)
	check(err)
	return f.addSingle(OpTypeReshape, nil, t, operand)
}

// Transpose a vector with the given axes permutation.
func (f *Function) Transpose(operand ValueID, permutation ...int) ValueID {
	f.checkValue(operand)
	t, err := TransposeOpType(f.Type(operand), permutation)
	check(err)
	return f.addSingle(OpTypeTranspose, TransposeData{Permutation: slices.Clone(permutation)}, t, operand)
}

// Reduce the given axes of a vector.
func (f *Function) Reduce(operand ValueID, kind ReduceKind, axes ...int) ValueID {
	f.checkValue(operand)
	t, err := ReduceOpType(f.Type(operand), kind, axes)
	check(err)
	return f.addSingle(OpTypeReduce, ReduceData{Kind: kind, Axes: slices.Clone(axes)}, t, operand)
}

// Matmul returns acc + lhs x rhs.
func (f *Function) Matmul(lhs, rhs, acc ValueID) ValueID {
	f.checkValue(lhs)
	f.checkValue(rhs)
	f.checkValue(acc)
	t, err := MatmulOpType(f.Type(lhs), f.Type(rhs), f.Type(acc))
	check(err)
	return f.addSingle(OpTypeMatmul, nil, t, lhs, rhs, acc)
}

// Load a vector with the given dimensions from memref at the given indices.
// If dims is empty, a scalar is loaded.
func (f *Function) Load(memref ValueID, dims []int, indices ...ValueID) ValueID {
	f.checkValue(memref)
	t, err := LoadOpType(f, f.Type(memref), dims, indices)
	check(err)
	return f.addSingle(OpTypeLoad, nil, t, append([]ValueID{memref}, indices...)...)
}

// Store value (a vector or a scalar) into memref at the given indices.
func (f *Function) Store(value, memref ValueID, indices ...ValueID) *Op {
	f.checkValue(value)
	f.checkValue(memref)
	check(StoreCheck(f, f.Type(value), f.Type(memref), indices))
	return f.AddOp(OpTypeStore, nil, nil, append([]ValueID{value, memref}, indices...)...)
}

// Alloca allocates a scratch memory reference (or a semaphore) of the given type.
func (f *Function) Alloca(t Type) ValueID {
	if !t.IsMemRef() && t.Kind != KindSemaphore {
		exceptions.Panicf("alloca: type must be a memref or a semaphore, got %s", t)
	}
	return f.addSingle(OpTypeAlloca, nil, t)
}

// MemRefSlice creates a view of the region of memref starting at indices with the given dimensions.
func (f *Function) MemRefSlice(memref ValueID, dims []int, indices ...ValueID) ValueID {
	f.checkValue(memref)
	t, err := MemRefSliceOpType(f, f.Type(memref), dims, indices)
	check(err)
	return f.addSingle(OpTypeMemRefSlice, nil, t, append([]ValueID{memref}, indices...)...)
}

// MemRefReshape creates a reshaped view of memref.
func (f *Function) MemRefReshape(memref ValueID, dims ...int) ValueID {
	f.checkValue(memref)
	t, err := MemRefReshapeOpType(f.Type(memref), dims)
	check(err)
	return f.addSingle(OpTypeMemRefReshape, nil, t, memref)
}

// MemRefSqueeze creates a view of memref without its leading unit dimensions.
func (f *Function) MemRefSqueeze(memref ValueID) ValueID {
	f.checkValue(memref)
	t, err := MemRefSqueezeOpType(f.Type(memref))
	check(err)
	return f.addSingle(OpTypeMemRefSqueeze, nil, t, memref)
}

// MemorySpaceCast reinterprets memref in another memory space. It is a memory space boundary:
// memory space propagation doesn't cross it.
func (f *Function) MemorySpaceCast(memref ValueID, space MemorySpace) ValueID {
	f.checkValue(memref)
	t := f.Type(memref)
	if !t.IsMemRef() {
		exceptions.Panicf("memory_space_cast: operand must be a memref, got %s", t)
	}
	return f.addSingle(OpTypeMemorySpaceCast, MemorySpaceCastData{Space: space}, t.WithMemorySpace(space), memref)
}

// DeviceID returns the logical id of the device running the program.
func (f *Function) DeviceID() ValueID {
	return f.addSingle(OpTypeDeviceID, nil, IndexType())
}

func (f *Function) checkDeviceID(opName string, deviceID ValueID) {
	if deviceID == NoValue {
		return
	}
	f.checkValue(deviceID)
	if t := f.Type(deviceID); !t.IsScalar() || !t.DType().IsInt() {
		exceptions.Panicf("%s: device id must be an integer scalar, got %s", opName, t)
	}
}

func (f *Function) checkSemaphore(opName string, sem ValueID) {
	f.checkValue(sem)
	if t := f.Type(sem); t.Kind != KindSemaphore {
		exceptions.Panicf("%s: expected a semaphore, got %s", opName, t)
	}
}

// EnqueueDMA copies src into dst, signaling sem on completion. If deviceID is not NoValue, dst lives in
// the (logical) device deviceID.
func (f *Function) EnqueueDMA(src, dst, sem, deviceID ValueID) *Op {
	f.checkValue(src)
	f.checkValue(dst)
	f.checkSemaphore("enqueue_dma", sem)
	f.checkDeviceID("enqueue_dma", deviceID)
	srcT, dstT := f.Type(src), f.Type(dst)
	if !srcT.IsMemRef() || !dstT.IsMemRef() || !srcT.Shape.Equal(dstT.Shape) {
		exceptions.Panicf("enqueue_dma: src and dst must be memrefs of the same shape, got %s and %s", srcT, dstT)
	}
	return f.AddOp(OpTypeEnqueueDMA, nil, nil, src, dst, sem, deviceID)
}

// SemaphoreSignal increments sem by amount. If deviceID is not NoValue, the semaphore of the (logical)
// device deviceID is signaled.
func (f *Function) SemaphoreSignal(sem, amount, deviceID ValueID) *Op {
	f.checkSemaphore("sem_signal", sem)
	f.checkValue(amount)
	f.checkDeviceID("sem_signal", deviceID)
	return f.AddOp(OpTypeSemaphoreSignal, nil, nil, sem, amount, deviceID)
}

// SemaphoreWait waits for sem to reach amount, and decrements it.
func (f *Function) SemaphoreWait(sem, amount ValueID) *Op {
	f.checkSemaphore("sem_wait", sem)
	f.checkValue(amount)
	return f.AddOp(OpTypeSemaphoreWait, nil, nil, sem, amount)
}

func (f *Function) checkSameShapeMemRefs(opName string, values ...ValueID) shapes.Shape {
	var shape shapes.Shape
	for ii, v := range values {
		f.checkValue(v)
		t := f.Type(v)
		if !t.IsMemRef() {
			exceptions.Panicf("%s: operand #%d must be a memref, got %s", opName, ii, t)
		}
		if ii == 0 {
			shape = t.Shape
		} else if !t.Shape.Equal(shape) {
			exceptions.Panicf("%s: all memrefs must have the same shape, got %s and %s", opName, shape, t.Shape)
		}
	}
	return shape
}

// LinalgElementwise computes out = kind(ins...) elementwise over whole memory references.
func (f *Function) LinalgElementwise(kind OpType, out ValueID, ins ...ValueID) *Op {
	shape := f.checkSameShapeMemRefs("linalg.elementwise", append([]ValueID{out}, ins...)...)
	switch {
	case UnaryOperations.Has(kind) && len(ins) == 1:
		_, err := UnaryOpType(kind, Type{Kind: KindVector, Shape: shape})
		check(err)
	case BinaryOperations.Has(kind) && len(ins) == 2:
		vt := Type{Kind: KindVector, Shape: shape}
		_, err := BinaryOpType(kind, vt, vt)
		check(err)
	default:
		exceptions.Panicf("linalg.elementwise: unsupported kind %s with %d inputs", kind, len(ins))
	}
	return f.AddOp(OpTypeLinalgElementwise, LinalgElementwiseData{Kind: kind}, nil, append(slices.Clone(ins), out)...)
}

// LinalgFill fills out with the scalar value.
func (f *Function) LinalgFill(value, out ValueID) *Op {
	f.checkValue(value)
	shape := f.checkSameShapeMemRefs("linalg.fill", out)
	if t := f.Type(value); !t.IsScalar() || t.DType() != shape.DType {
		exceptions.Panicf("linalg.fill: value must be a %s scalar, got %s", shape.DType, t)
	}
	return f.AddOp(OpTypeLinalgFill, nil, nil, value, out)
}

// LinalgMatmul computes c += a x b over memory references.
func (f *Function) LinalgMatmul(a, b, c ValueID) *Op {
	for _, v := range []ValueID{a, b, c} {
		f.checkValue(v)
		if !f.Type(v).IsMemRef() {
			exceptions.Panicf("linalg.matmul: operands must be memrefs, got %s", f.Type(v))
		}
	}
	asVector := func(v ValueID) Type { return Type{Kind: KindVector, Shape: f.Type(v).Shape} }
	_, err := MatmulOpType(asVector(a), asVector(b), asVector(c))
	check(err)
	return f.AddOp(OpTypeLinalgMatmul, nil, nil, a, b, c)
}
