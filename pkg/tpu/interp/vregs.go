// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
	"github.com/pkg/errors"
)

// execLowered executes the vreg level ops.
func (m *machine) execLowered(op *ir.Op) {
	target := m.opts.Target
	switch op.Type {
	case ir.OpTypeUnrollVectors:
		l := op.Data.(tpuops.RollData).Layout
		x := m.get(op.Operands[0])
		vregs, err := target.Encode(l, x.Type.Dims(), x.Data, 0)
		if err != nil {
			panic(errors.WithMessage(err, "unroll_vectors"))
		}
		m.setAll(op.Results, vregs)

	case ir.OpTypeRollVectors:
		l := op.Data.(tpuops.RollData).Layout
		values, err := target.Decode(l, m.f.Type(op.Result()).Dims(), m.getAll(op.Operands))
		if err != nil {
			panic(errors.WithMessage(err, "roll_vectors"))
		}
		m.set(op.Result(), values)

	case ir.OpTypeRelayout:
		data := op.Data.(tpuops.RelayoutData)
		values, err := target.Decode(data.From, data.Dims, m.getAll(op.Operands))
		if err != nil {
			panic(errors.WithMessage(err, "relayout"))
		}
		vregs, err := target.Encode(data.To, data.Dims, values, 0)
		if err != nil {
			panic(errors.WithMessage(err, "relayout"))
		}
		m.setAll(op.Results, vregs)

	case ir.OpTypeVRegLoad:
		data := op.Data.(tpuops.AccessData)
		ref := m.memref(op.Operands[0])
		base := m.indices(op.Operands[1:])
		out := make([]float64, target.VRegCapacity(data.Layout.Bitwidth))
		memIdx := make([]int, len(base))
		target.ForEachSlotOf(data.Layout, data.Dims, data.VReg, func(elem int, logical []int) {
			if logical == nil {
				return
			}
			for axis, idx := range logical {
				memIdx[axis] = base[axis] + idx
			}
			if pos, ok := ref.flat(memIdx); ok {
				out[elem] = ref.Buffer.Data[pos]
			}
		})
		m.set(op.Result(), out)

	case ir.OpTypeVRegStore:
		data := op.Data.(tpuops.AccessData)
		vreg := m.get(op.Operands[0]).Data
		ref := m.memref(op.Operands[1])
		base := m.indices(op.Operands[2:])
		memIdx := make([]int, len(base))
		target.ForEachSlotOf(data.Layout, data.Dims, data.VReg, func(elem int, logical []int) {
			if logical == nil {
				return
			}
			for axis, idx := range logical {
				memIdx[axis] = base[axis] + idx
			}
			if pos, ok := ref.flat(memIdx); ok {
				ref.Buffer.Data[pos] = vreg[elem]
			}
		})

	case ir.OpTypeVRegBroadcast:
		m.execVRegBroadcast(op)
	case ir.OpTypeVRegReduce:
		m.execVRegReduce(op)
	case ir.OpTypeVRegTranspose:
		m.execVRegTranspose(op)
	case ir.OpTypeVRegConvert:
		m.execVRegConvert(op)
	case ir.OpTypeMXUMatmul:
		m.execMXUMatmul(op)

	case ir.OpTypeAssert:
		if m.get(op.Operands[0]).Data[0] == 0 {
			exceptions.Panicf("assertion failed: %s", op.Data.(tpuops.AssertData).Message)
		}

	default:
		exceptions.Panicf("interp: op %s not supported", op.Type)
	}
}

func (m *machine) getAll(values []ir.ValueID) [][]float64 {
	all := make([][]float64, len(values))
	for ii, v := range values {
		all[ii] = m.get(v).Data
	}
	return all
}

func (m *machine) setAll(values []ir.ValueID, data [][]float64) {
	for ii, v := range values {
		m.set(v, data[ii])
	}
}

// slot returns the position within the vreg of the slice element at pos along dim, and at other along the
// other dimension.
func slot(target layout.Target, l layout.VectorLayout, dim, pos, other int) int {
	if dim == 0 {
		return target.PhysicalIndex(l, pos, other)
	}
	return target.PhysicalIndex(l, other, pos)
}

func (m *machine) execVRegBroadcast(op *ir.Op) {
	target := m.opts.Target
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
	data := op.Data.(tpuops.BroadcastData)
	slice := target.VRegSlice(data.Layout)
	for other := range slice[1-data.Dim] {
		value := x.Data[slot(target, data.Layout, data.Dim, data.Position, other)]
		for pos := range slice[data.Dim] {
			out[slot(target, data.Layout, data.Dim, pos, other)] = value
		}
	}
	m.set(op.Result(), out)
}

func (m *machine) execVRegReduce(op *ir.Op) {
	target := m.opts.Target
	data := op.Data.(tpuops.ReduceData)
	t := m.f.Type(op.Result())
	dtype := t.DType()
	out := make([]float64, t.Shape.Size())
	slice := target.VRegSlice(data.Layout)
	for other := range slice[1-data.Dim] {
		acc := reduceIdentity(data.Kind, dtype)
		for ii, v := range op.Operands {
			vreg := m.get(v).Data
			for pos := data.Windows[ii][0]; pos < data.Windows[ii][1]; pos++ {
				acc = reduceStep(data.Kind, acc, vreg[slot(target, data.Layout, data.Dim, pos, other)])
			}
		}
		acc = reduceFinal(dtype, acc)
		for pos := range slice[data.Dim] {
			out[slot(target, data.Layout, data.Dim, pos, other)] = acc
		}
	}
	m.set(op.Result(), out)
}

func (m *machine) execVRegTranspose(op *ir.Op) {
	lanes, sublanes := m.opts.Target.LaneCount, m.opts.Target.SublaneCount
	outs := make([][]float64, len(op.Results))
	for ii := range outs {
		outs[ii] = make([]float64, sublanes*lanes)
	}
	for ii, v := range op.Operands {
		vreg := m.get(v).Data
		for sub := range sublanes {
			row := ii*sublanes + sub
			for col := range lanes {
				outs[col/sublanes][(col%sublanes)*lanes+row] = vreg[sub*lanes+col]
			}
		}
	}
	m.setAll(op.Results, outs)
}

func (m *machine) execVRegConvert(op *ir.Op) {
	data := op.Data.(tpuops.ConvertData)
	lanes := m.opts.Target.LaneCount
	from := m.f.Type(op.Operands[0]).DType()
	t := m.f.Type(op.Result())
	var rows []float64
	for _, v := range op.Operands {
		rows = append(rows, m.get(v).Data...)
	}
	out := make([]float64, t.Shape.Size())
	start := data.RowOffset * lanes
	for ii := range out {
		if start+ii < len(rows) {
			out[ii] = convertValue(rows[start+ii], from, t.DType())
		}
	}
	m.set(op.Result(), out)
}

// grid gives access to the elements of a row-major grid of vregs as one matrix in vreg slice coordinates.
type grid struct {
	target layout.Target
	layout layout.VectorLayout
	vregs  [][]float64
	cols   int
	slice  [2]int
}

func (m *machine) newGrid(l layout.VectorLayout, shape [2]int, values []ir.ValueID) grid {
	g := grid{target: m.opts.Target, layout: l, cols: shape[1], slice: m.opts.Target.VRegSlice(l)}
	for _, v := range values {
		g.vregs = append(g.vregs, m.get(v).Data)
	}
	return g
}

func (g grid) locate(row, col int) (vreg, elem int) {
	return (row/g.slice[0])*g.cols + col/g.slice[1], g.target.PhysicalIndex(g.layout, row%g.slice[0], col%g.slice[1])
}

func (g grid) at(row, col int) float64 {
	vreg, elem := g.locate(row, col)
	return g.vregs[vreg][elem]
}

func (m *machine) execMXUMatmul(op *ir.Op) {
	data := op.Data.(tpuops.MatmulData)
	numLhs, numRhs := data.LhsGrid[0]*data.LhsGrid[1], data.RhsGrid[0]*data.RhsGrid[1]
	lhs := m.newGrid(data.Lhs, data.LhsGrid, op.Operands[:numLhs])
	rhs := m.newGrid(data.Rhs, data.RhsGrid, op.Operands[numLhs:numLhs+numRhs])
	acc := m.newGrid(data.Acc, data.AccGrid, op.Operands[numLhs+numRhs:])
	accDType := m.f.Type(op.Results[0]).DType()
	outs := make([][]float64, len(acc.vregs))
	for ii, vreg := range acc.vregs {
		outs[ii] = append([]float64(nil), vreg...)
	}
	for i := range data.Rows {
		for j := range data.Cols {
			sum := acc.at(i, j)
			for k := range data.ValidK {
				sum += lhs.at(data.LhsRowOffset+i, k) * rhs.at(k, j)
			}
			vreg, elem := acc.locate(i, j)
			outs[vreg][elem] = reduceFinal(accDType, sum)
		}
	}
	m.setAll(op.Results, outs)
}
