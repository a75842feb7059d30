// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp is a reference interpreter for functions at every stage of the pipeline: high-level
// vector programs, structured (linalg) programs and lowered vreg programs.
//
// It is used to check that the passes preserve the semantics of the programs they transform: running a
// function before and after a pass on the same inputs must yield the same outputs and memory contents.
//
// Communication ops run against a single device: DMAs are local copies (whatever the destination device) and
// the devices addressed are recorded as Events.
package interp

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/core/shapes"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of an execution.
type Options struct {
	// Target describes the vregs of lowered programs.
	Target layout.Target

	// DeviceID returned by the device_id op.
	DeviceID int64
}

// DefaultOptions runs on device 0 of the default target.
func DefaultOptions() Options {
	return Options{Target: layout.DefaultTarget()}
}

// Event records a communication addressed to a remote device.
type Event struct {
	Op     ir.OpType
	Device int64
}

// Result of an execution.
type Result struct {
	Outputs []Value
	Events  []Event
}

type machine struct {
	f      *ir.Function
	opts   Options
	values []Value
	events []Event
}

// Run executes f with the given arguments. Memory reference arguments are updated in place.
func Run(f *ir.Function, opts Options, args ...Value) (*Result, error) {
	params := f.Parameters()
	if len(args) != len(params) {
		return nil, errors.Errorf("interp: function %q takes %d arguments, %d given", f.Name(), len(params), len(args))
	}
	m := &machine{f: f, opts: opts, values: make([]Value, f.NumValues())}
	for ii, p := range params {
		want := f.Type(p)
		if args[ii].Type.Kind != want.Kind || !args[ii].Type.Shape.Equal(want.Shape) {
			return nil, errors.Errorf("interp: argument #%d of %q must be a %s, got %s", ii, f.Name(), want, args[ii].Type)
		}
		m.values[p] = args[ii]
	}
	err := exceptions.TryCatch[error](func() {
		for _, op := range f.Ops() {
			m.exec(op)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "interp: while running %q", f.Name())
	}
	result := &Result{Events: m.events}
	for _, r := range f.Results() {
		result.Outputs = append(result.Outputs, m.values[r])
	}
	klog.V(3).Infof("interp: ran %q: %d ops, %d communication events", f.Name(), f.NumOps(), len(m.events))
	return result, nil
}

func (m *machine) get(v ir.ValueID) Value { return m.values[v] }

func (m *machine) set(v ir.ValueID, data []float64) {
	m.values[v] = Value{Type: m.f.Type(v), Data: data}
}

func (m *machine) index(v ir.ValueID) int {
	return int(m.get(v).Data[0])
}

func (m *machine) indices(values []ir.ValueID) []int {
	idx := make([]int, len(values))
	for ii, v := range values {
		idx[ii] = m.index(v)
	}
	return idx
}

func (m *machine) memref(v ir.ValueID) *MemRef {
	ref := m.get(v).MemRef
	if ref == nil {
		exceptions.Panicf("interp: %%%d is not a memref", v)
	}
	return ref
}

func (m *machine) exec(op *ir.Op) {
	f := m.f
	switch {
	case ir.UnaryOperations.Has(op.Type):
		x := m.get(op.Operands[0])
		dtype := x.Type.DType()
		out := make([]float64, len(x.Data))
		for ii, e := range x.Data {
			out[ii] = unaryValue(op.Type, dtype, e)
		}
		m.set(op.Result(), out)
		return
	case ir.BinaryOperations.Has(op.Type), ir.ComparisonOperations.Has(op.Type):
		x, y := m.get(op.Operands[0]), m.get(op.Operands[1])
		dtype := x.Type.DType()
		out := make([]float64, len(x.Data))
		for ii := range out {
			out[ii] = binaryValue(op.Type, dtype, x.Data[ii], y.Data[ii])
		}
		m.set(op.Result(), out)
		return
	}

	switch op.Type {
	case ir.OpTypeConstant:
		m.execConstant(op)
	case ir.OpTypeSelect:
		cond, onTrue, onFalse := m.get(op.Operands[0]), m.get(op.Operands[1]), m.get(op.Operands[2])
		out := slices.Clone(onFalse.Data)
		for ii, c := range cond.Data {
			if c != 0 {
				out[ii] = onTrue.Data[ii]
			}
		}
		m.set(op.Result(), out)
	case ir.OpTypeConvertDType:
		x := m.get(op.Operands[0])
		to := f.Type(op.Result()).DType()
		out := make([]float64, len(x.Data))
		for ii, e := range x.Data {
			out[ii] = convertValue(e, x.Type.DType(), to)
		}
		m.set(op.Result(), out)
	case ir.OpTypeBroadcast:
		m.execBroadcast(op)
	case ir.OpTypeReshape:
		m.set(op.Result(), slices.Clone(m.get(op.Operands[0]).Data))
	case ir.OpTypeTranspose:
		m.execTranspose(op)
	case ir.OpTypeReduce:
		m.execReduce(op)
	case ir.OpTypeMatmul:
		lhs, rhs, acc := m.get(op.Operands[0]), m.get(op.Operands[1]), m.get(op.Operands[2])
		m.set(op.Result(), matmul(lhs.Type.Dims(), lhs.Data, rhs.Data, acc.Data, rhs.Type.Dims()[1], acc.Type.DType()))

	case ir.OpTypeLoad:
		m.execLoad(op)
	case ir.OpTypeStore:
		m.execStore(op)
	case ir.OpTypeAlloca:
		t := f.Type(op.Result())
		if t.IsMemRef() {
			m.values[op.Result()] = NewMemRef(t, nil)
		} else {
			m.values[op.Result()] = Value{Type: t, Semaphore: &Semaphore{}}
		}
	case ir.OpTypeMemRefSlice:
		t := f.Type(op.Result())
		view := m.memref(op.Operands[0]).slice(m.indices(op.Operands[1:]), t.Dims())
		m.values[op.Result()] = Value{Type: t, MemRef: view}
	case ir.OpTypeMemRefReshape:
		t := f.Type(op.Result())
		m.values[op.Result()] = Value{Type: t, MemRef: m.memref(op.Operands[0]).reshape(t.Dims())}
	case ir.OpTypeMemRefSqueeze:
		t := f.Type(op.Result())
		m.values[op.Result()] = Value{Type: t, MemRef: m.memref(op.Operands[0]).squeeze(t.Rank())}
	case ir.OpTypeMemorySpaceCast:
		m.values[op.Result()] = Value{Type: f.Type(op.Result()), MemRef: m.memref(op.Operands[0])}

	case ir.OpTypeDeviceID:
		m.set(op.Result(), []float64{float64(m.opts.DeviceID)})
	case ir.OpTypeEnqueueDMA:
		src, dst := m.memref(op.Operands[0]), m.memref(op.Operands[1])
		values := src.Values()
		shapes.Make(dst.DType, dst.Dims...).Iter(func(flatIdx int, indices []int) {
			dst.Set(indices, values[flatIdx])
		})
		m.get(op.Operands[2]).Semaphore.Count++
		m.recordRemote(op, 3)
	case ir.OpTypeSemaphoreSignal:
		m.get(op.Operands[0]).Semaphore.Count += int64(m.index(op.Operands[1]))
		m.recordRemote(op, 2)
	case ir.OpTypeSemaphoreWait:
		sem := m.get(op.Operands[0]).Semaphore
		amount := int64(m.index(op.Operands[1]))
		if sem.Count < amount {
			exceptions.Panicf("interp: sem_wait for %d with the semaphore at %d would never return", amount, sem.Count)
		}
		sem.Count -= amount

	case ir.OpTypeLinalgElementwise:
		m.execLinalgElementwise(op)
	case ir.OpTypeLinalgFill:
		x := m.get(op.Operands[0]).Data[0]
		out := m.memref(op.Operands[1])
		shapes.Make(out.DType, out.Dims...).Iter(func(_ int, indices []int) { out.Set(indices, x) })
	case ir.OpTypeLinalgMatmul:
		a, b, c := m.memref(op.Operands[0]), m.memref(op.Operands[1]), m.memref(op.Operands[2])
		result := matmul(a.Dims, a.Values(), b.Values(), c.Values(), b.Dims[1], c.DType)
		shapes.Make(c.DType, c.Dims...).Iter(func(flatIdx int, indices []int) { c.Set(indices, result[flatIdx]) })

	default:
		m.execLowered(op)
	}
}

func (m *machine) recordRemote(op *ir.Op, operand int) {
	if device := op.Operands[operand]; device != ir.NoValue {
		m.events = append(m.events, Event{Op: op.Type, Device: int64(m.index(device))})
	}
}

func (m *machine) execConstant(op *ir.Op) {
	data := op.Data.(ir.ConstantData)
	t := m.f.Type(op.Result())
	if t.IsMemRef() {
		m.values[op.Result()] = NewMemRef(t, data.Dense)
		return
	}
	x := convertValue(data.Value, dtypes.Float64, t.DType())
	m.set(op.Result(), slices.Repeat([]float64{x}, t.Shape.Size()))
}

func (m *machine) execBroadcast(op *ir.Op) {
	x := m.get(op.Operands[0])
	t := m.f.Type(op.Result())
	out := make([]float64, t.Shape.Size())
	if x.Type.IsScalar() {
		for ii := range out {
			out[ii] = x.Data[0]
		}
		m.set(op.Result(), out)
		return
	}
	srcShape := x.Type.Shape
	rankDiff := t.Rank() - srcShape.Rank()
	srcIdx := make([]int, srcShape.Rank())
	t.Shape.Iter(func(flatIdx int, indices []int) {
		for axis := range srcIdx {
			if srcShape.Dimensions[axis] != 1 {
				srcIdx[axis] = indices[rankDiff+axis]
			} else {
				srcIdx[axis] = 0
			}
		}
		out[flatIdx] = x.Data[srcShape.FlatIndex(srcIdx)]
	})
	m.set(op.Result(), out)
}

func (m *machine) execTranspose(op *ir.Op) {
	x := m.get(op.Operands[0])
	perm := op.Data.(ir.TransposeData).Permutation
	t := m.f.Type(op.Result())
	out := make([]float64, t.Shape.Size())
	srcIdx := make([]int, len(perm))
	t.Shape.Iter(func(flatIdx int, indices []int) {
		for axis, srcAxis := range perm {
			srcIdx[srcAxis] = indices[axis]
		}
		out[flatIdx] = x.Data[x.Type.Shape.FlatIndex(srcIdx)]
	})
	m.set(op.Result(), out)
}

func (m *machine) execReduce(op *ir.Op) {
	x := m.get(op.Operands[0])
	data := op.Data.(ir.ReduceData)
	t := m.f.Type(op.Result())
	dtype := t.DType()
	out := make([]float64, t.Shape.Size())
	for ii := range out {
		out[ii] = reduceIdentity(data.Kind, dtype)
	}
	reduced := make([]bool, x.Type.Rank())
	for _, axis := range data.Axes {
		reduced[axis] = true
	}
	outIdx := make([]int, 0, t.Rank())
	x.Type.Shape.Iter(func(flatIdx int, indices []int) {
		outIdx = outIdx[:0]
		for axis, idx := range indices {
			if !reduced[axis] {
				outIdx = append(outIdx, idx)
			}
		}
		pos := t.Shape.FlatIndex(outIdx)
		out[pos] = reduceStep(data.Kind, out[pos], x.Data[flatIdx])
	})
	for ii, acc := range out {
		out[ii] = reduceFinal(dtype, acc)
	}
	m.set(op.Result(), out)
}

// matmul returns acc + lhs x rhs, with lhs of dimensions lhsDims ([M, K]) and n columns in rhs.
func matmul(lhsDims []int, lhs, rhs, acc []float64, n int, accDType dtypes.DType) []float64 {
	rows, k := lhsDims[0], lhsDims[1]
	out := make([]float64, len(acc))
	for i := range rows {
		for j := range n {
			sum := acc[i*n+j]
			for kk := range k {
				sum += lhs[i*k+kk] * rhs[kk*n+j]
			}
			out[i*n+j] = reduceFinal(accDType, sum)
		}
	}
	return out
}

func (m *machine) execLoad(op *ir.Op) {
	ref := m.memref(op.Operands[0])
	base := m.indices(op.Operands[1:])
	t := m.f.Type(op.Result())
	if t.IsScalar() {
		m.set(op.Result(), []float64{ref.At(base)})
		return
	}
	out := make([]float64, t.Shape.Size())
	memIdx := make([]int, len(base))
	t.Shape.Iter(func(flatIdx int, indices []int) {
		for axis, idx := range indices {
			memIdx[axis] = base[axis] + idx
		}
		out[flatIdx] = ref.At(memIdx)
	})
	m.set(op.Result(), out)
}

func (m *machine) execStore(op *ir.Op) {
	value := m.get(op.Operands[0])
	ref := m.memref(op.Operands[1])
	base := m.indices(op.Operands[2:])
	if value.Type.IsScalar() {
		ref.Set(base, value.Data[0])
		return
	}
	memIdx := make([]int, len(base))
	value.Type.Shape.Iter(func(flatIdx int, indices []int) {
		for axis, idx := range indices {
			memIdx[axis] = base[axis] + idx
		}
		ref.Set(memIdx, value.Data[flatIdx])
	})
}

func (m *machine) execLinalgElementwise(op *ir.Op) {
	kind := op.Data.(ir.LinalgElementwiseData).Kind
	numIns := len(op.Operands) - 1
	out := m.memref(op.Operands[numIns])
	ins := make([][]float64, numIns)
	for ii := range ins {
		ins[ii] = m.memref(op.Operands[ii]).Values()
	}
	dtype := out.DType
	shapes.Make(dtype, out.Dims...).Iter(func(flatIdx int, indices []int) {
		var x float64
		if numIns == 1 {
			x = unaryValue(kind, dtype, ins[0][flatIdx])
		} else {
			x = binaryValue(kind, dtype, ins[0][flatIdx], ins[1][flatIdx])
		}
		out.Set(indices, x)
	})
}
