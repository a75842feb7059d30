// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tpuops defines the lowered, vreg level, operations produced when applying vector layouts, and
// their builders.
//
// A vreg value is an ir vector of shape layout.Target.VRegShape (e.g.: [8, 128] for 32-bit types,
// [16, 128] for 16-bit types), holding its elements in the order described by a layout.VectorLayout.
// Elementwise operations on vregs reuse the high-level elementwise op types.
//
// Like the ir builders, the builders here panic (exceptions.Panicf) on invalid inputs.
package tpuops

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
)

func init() {
	ir.RegisterData("tpu.RollData", RollData{})
	ir.RegisterData("tpu.RelayoutData", RelayoutData{})
	ir.RegisterData("tpu.AccessData", AccessData{})
	ir.RegisterData("tpu.BroadcastData", BroadcastData{})
	ir.RegisterData("tpu.ReduceData", ReduceData{})
	ir.RegisterData("tpu.TransposeData", TransposeData{})
	ir.RegisterData("tpu.ConvertData", ConvertData{})
	ir.RegisterData("tpu.MatmulData", MatmulData{})
	ir.RegisterData("tpu.AssertData", AssertData{})
}

// VRegType returns the type of one vreg holding elements of dtype.
func VRegType(target layout.Target, dtype dtypes.DType) ir.Type {
	bitwidth, ok := layout.BitwidthOf(dtype)
	if !ok {
		exceptions.Panicf("vregs can't hold elements of %s", dtype)
	}
	shape := target.VRegShape(bitwidth)
	return ir.VectorType(dtype, shape[0], shape[1])
}

// RollData is the Data of OpTypeRollVectors and OpTypeUnrollVectors.
type RollData struct {
	Layout layout.VectorLayout
}

func (d RollData) String() string { return d.Layout.String() }

// RelayoutData is the Data of OpTypeRelayout.
type RelayoutData struct {
	From, To layout.VectorLayout

	// Dims of the value being relaid out.
	Dims []int
}

func (d RelayoutData) String() string { return fmt.Sprintf("%s -> %s, dims=%v", d.From, d.To, d.Dims) }

// AccessData is the Data of OpTypeVRegLoad and OpTypeVRegStore: the access of one vreg of a vector of
// dimensions Dims, laid out with Layout, at the position given by the indices operands.
//
// Only the slots of the vreg holding elements of the vector (and within the memref bounds) are accessed:
// the rest are masked out. Masked out loaded slots read as 0.
type AccessData struct {
	Layout layout.VectorLayout
	Dims   []int

	// VReg is the flat index of the vreg in the vreg array of the vector.
	VReg int
}

func (d AccessData) String() string {
	return fmt.Sprintf("%s, dims=%v, vreg=%d", d.Layout, d.Dims, d.VReg)
}

// BroadcastData is the Data of OpTypeVRegBroadcast.
//
// With a scalar operand, the vreg is filled with it. With a vreg operand, the slots at Position along
// dimension Dim (0 for sublanes, 1 for lanes) of the vreg slice are replicated along Dim.
type BroadcastData struct {
	Layout   layout.VectorLayout
	Dim      int
	Position int
}

func (d BroadcastData) String() string {
	return fmt.Sprintf("%s, dim=%d, position=%d", d.Layout, d.Dim, d.Position)
}

// ReduceData is the Data of OpTypeVRegReduce: the operand vregs are reduced along the dimension Dim
// (0 for sublanes, 1 for lanes) of the vreg slice, considering only the positions [start, end) given in
// Windows for each operand. The result is replicated along Dim.
type ReduceData struct {
	Kind    ir.ReduceKind
	Layout  layout.VectorLayout
	Dim     int
	Windows [][2]int
}

func (d ReduceData) String() string {
	return fmt.Sprintf("%s, %s, dim=%d, windows=%v", d.Kind, d.Layout, d.Dim, d.Windows)
}

// TransposeData is the Data of OpTypeVRegTranspose: the operands are the vregs of a LaneCount x LaneCount
// block (stacked along the sublanes), and the results the vregs of the transposed block.
type TransposeData struct {
	Layout layout.VectorLayout
}

func (d TransposeData) String() string { return d.Layout.String() }

// ConvertData is the Data of OpTypeVRegConvert: the rows of the operand vregs (native tiling) are
// concatenated, and rows [RowOffset, RowOffset + rows per result vreg) are converted to the result dtype.
// Rows past the end of the operands are zero.
type ConvertData struct {
	RowOffset int
}

func (d ConvertData) String() string { return fmt.Sprintf("row_offset=%d", d.RowOffset) }

// MatmulData is the Data of OpTypeMXUMatmul: one matrix unit pass accumulating a block of lhs x rhs into a
// block of the accumulator.
//
// Operands are the lhs, rhs and acc vreg grids (row-major, with LhsGrid, RhsGrid and AccGrid vregs), and
// the results the updated acc grid. All layouts have zero offsets, so the block coordinates are the
// vreg slice coordinates over each grid:
//
//	acc[i, j] += sum_{k < ValidK} lhs[LhsRowOffset+i, k] * rhs[k, j],  for i < Rows, j < Cols.
type MatmulData struct {
	Lhs, Rhs, Acc             layout.VectorLayout
	LhsGrid, RhsGrid, AccGrid [2]int
	LhsRowOffset, Rows, Cols  int
	ValidK                    int
}

func (d MatmulData) String() string {
	return fmt.Sprintf("lhs=%v%s rhs=%v%s acc=%v%s rows=%d@%d cols=%d k=%d",
		d.LhsGrid, d.Lhs, d.RhsGrid, d.Rhs, d.AccGrid, d.Acc, d.Rows, d.LhsRowOffset, d.Cols, d.ValidK)
}

// AssertData is the Data of OpTypeAssert.
type AssertData struct {
	Message string
}

func (d AssertData) String() string { return fmt.Sprintf("%q", d.Message) }

// Unroll adds an unroll_vectors op converting the vector v to the vregs of layout l.
func Unroll(f *ir.Function, target layout.Target, v ir.ValueID, l layout.VectorLayout) []ir.ValueID {
	t := f.Type(v)
	if !t.IsVector() {
		exceptions.Panicf("unroll_vectors: %%%d is not a vector, it is a %s", v, t)
	}
	checkLayout(target, l, t)
	n := target.NumVRegs(l, t.Dims())
	vregType := VRegType(target, t.DType())
	return f.AddOp(ir.OpTypeUnrollVectors, RollData{Layout: l}, slices.Repeat([]ir.Type{vregType}, n), v).Results
}

// Roll adds a roll_vectors op assembling the vregs (with layout l) into a vector of type t.
func Roll(f *ir.Function, target layout.Target, vregs []ir.ValueID, l layout.VectorLayout, t ir.Type) ir.ValueID {
	checkLayout(target, l, t)
	checkVRegs(f, target, "roll_vectors", vregs, t.DType(), target.NumVRegs(l, t.Dims()))
	return f.AddOp(ir.OpTypeRollVectors, RollData{Layout: l}, []ir.Type{t}, vregs...).Result()
}

// Relayout adds a relayout op converting the vregs of a value of the given dtype and dims from one
// layout to another.
func Relayout(f *ir.Function, target layout.Target, vregs []ir.ValueID, dtype dtypes.DType, dims []int,
	from, to layout.VectorLayout) []ir.ValueID {
	t := ir.VectorType(dtype, dims...)
	checkLayout(target, from, t)
	checkLayout(target, to, t)
	if from.Bitwidth != to.Bitwidth {
		exceptions.Panicf("relayout: can't change bitwidth from %s to %s", from, to)
	}
	checkVRegs(f, target, "relayout", vregs, dtype, target.NumVRegs(from, dims))
	n := target.NumVRegs(to, dims)
	data := RelayoutData{From: from, To: to, Dims: slices.Clone(dims)}
	return f.AddOp(ir.OpTypeRelayout, data, slices.Repeat([]ir.Type{VRegType(target, dtype)}, n), vregs...).Results
}

// VRegLoad adds a masked load of vreg #vreg of the vector of dims (laid out with l) starting at the indices
// of memref.
func VRegLoad(f *ir.Function, target layout.Target, memref ir.ValueID, indices []ir.ValueID,
	l layout.VectorLayout, dims []int, vreg int) ir.ValueID {
	t := f.Type(memref)
	checkAccess(f, target, "vreg_load", t, indices, l, dims, vreg)
	data := AccessData{Layout: l, Dims: slices.Clone(dims), VReg: vreg}
	operands := append([]ir.ValueID{memref}, indices...)
	return f.AddOp(ir.OpTypeVRegLoad, data, []ir.Type{VRegType(target, t.DType())}, operands...).Result()
}

// VRegStore adds a masked store of the vreg value, the vreg #vreg of the vector of dims (laid out with l),
// into memref starting at the indices.
func VRegStore(f *ir.Function, target layout.Target, value, memref ir.ValueID, indices []ir.ValueID,
	l layout.VectorLayout, dims []int, vreg int) *ir.Op {
	t := f.Type(memref)
	checkAccess(f, target, "vreg_store", t, indices, l, dims, vreg)
	checkVRegs(f, target, "vreg_store", []ir.ValueID{value}, t.DType(), 1)
	data := AccessData{Layout: l, Dims: slices.Clone(dims), VReg: vreg}
	operands := append([]ir.ValueID{value, memref}, indices...)
	return f.AddOp(ir.OpTypeVRegStore, data, nil, operands...)
}

// BroadcastScalar adds a vreg filled with the scalar value.
func BroadcastScalar(f *ir.Function, target layout.Target, scalar ir.ValueID) ir.ValueID {
	t := f.Type(scalar)
	if !t.IsScalar() {
		exceptions.Panicf("vreg_broadcast: %%%d is not a scalar, it is a %s", scalar, t)
	}
	return f.AddOp(ir.OpTypeVRegBroadcast, nil, []ir.Type{VRegType(target, t.DType())}, scalar).Result()
}

// BroadcastSlots adds a vreg with the slots at position of the dimension dim of vreg (laid out with l)
// replicated along dim.
func BroadcastSlots(f *ir.Function, target layout.Target, vreg ir.ValueID, l layout.VectorLayout, dim, position int) ir.ValueID {
	t := f.Type(vreg)
	checkVRegs(f, target, "vreg_broadcast", []ir.ValueID{vreg}, t.DType(), 1)
	if dim < 0 || dim > 1 || position < 0 || position >= target.VRegSlice(l)[dim] {
		exceptions.Panicf("vreg_broadcast: invalid dim=%d, position=%d for layout %s", dim, position, l)
	}
	data := BroadcastData{Layout: l, Dim: dim, Position: position}
	return f.AddOp(ir.OpTypeVRegBroadcast, data, []ir.Type{t}, vreg).Result()
}

// Reduce adds a reduction of vregs (laid out with l) along the dimension dim of the vreg slice, restricted
// to the given windows of each vreg.
func Reduce(f *ir.Function, target layout.Target, vregs []ir.ValueID, kind ir.ReduceKind, l layout.VectorLayout,
	dim int, windows [][2]int) ir.ValueID {
	if len(vregs) == 0 || len(windows) != len(vregs) {
		exceptions.Panicf("vreg_reduce: %d vregs given with %d windows", len(vregs), len(windows))
	}
	dtype := f.Type(vregs[0]).DType()
	checkVRegs(f, target, "vreg_reduce", vregs, dtype, len(vregs))
	sliceDim := target.VRegSlice(l)[dim]
	for _, w := range windows {
		if w[0] < 0 || w[0] >= w[1] || w[1] > sliceDim {
			exceptions.Panicf("vreg_reduce: invalid window %v for slice dimension %d", w, sliceDim)
		}
	}
	data := ReduceData{Kind: kind, Layout: l, Dim: dim, Windows: slices.Clone(windows)}
	return f.AddOp(ir.OpTypeVRegReduce, data, []ir.Type{VRegType(target, dtype)}, vregs...).Result()
}

// Transpose adds the transposition of a LaneCount x LaneCount block of 32-bit elements held in
// LaneCount/SublaneCount vregs with the native layout.
func Transpose(f *ir.Function, target layout.Target, vregs []ir.ValueID) []ir.ValueID {
	n := target.LaneCount / target.SublaneCount
	if len(vregs) != n {
		exceptions.Panicf("vreg_transpose: expected %d vregs, got %d", n, len(vregs))
	}
	dtype := f.Type(vregs[0]).DType()
	if bits, _ := layout.BitwidthOf(dtype); bits != 32 {
		exceptions.Panicf("vreg_transpose: only 32-bit types are supported, got %s", dtype)
	}
	checkVRegs(f, target, "vreg_transpose", vregs, dtype, n)
	data := TransposeData{Layout: target.NativeLayout(32, layout.ImplicitNone)}
	return f.AddOp(ir.OpTypeVRegTranspose, data, slices.Repeat([]ir.Type{VRegType(target, dtype)}, n), vregs...).Results
}

// Convert adds the conversion of the rows [rowOffset, rowOffset+rows) of the concatenated vregs to one
// vreg of dtype.
func Convert(f *ir.Function, target layout.Target, vregs []ir.ValueID, dtype dtypes.DType, rowOffset int) ir.ValueID {
	if len(vregs) == 0 {
		exceptions.Panicf("vreg_convert: no vregs given")
	}
	from := f.Type(vregs[0]).DType()
	checkVRegs(f, target, "vreg_convert", vregs, from, len(vregs))
	if rowOffset < 0 {
		exceptions.Panicf("vreg_convert: invalid row offset %d", rowOffset)
	}
	return f.AddOp(ir.OpTypeVRegConvert, ConvertData{RowOffset: rowOffset}, []ir.Type{VRegType(target, dtype)}, vregs...).Result()
}

// MXUMatmul adds one matrix unit pass. It returns the updated acc vregs.
func MXUMatmul(f *ir.Function, target layout.Target, lhs, rhs, acc []ir.ValueID, data MatmulData) []ir.ValueID {
	for _, group := range []struct {
		name  string
		vregs []ir.ValueID
		grid  [2]int
	}{{"lhs", lhs, data.LhsGrid}, {"rhs", rhs, data.RhsGrid}, {"acc", acc, data.AccGrid}} {
		if len(group.vregs) == 0 || len(group.vregs) != group.grid[0]*group.grid[1] {
			exceptions.Panicf("mxu_matmul: %s grid %v doesn't match %d vregs", group.name, group.grid, len(group.vregs))
		}
		checkVRegs(f, target, "mxu_matmul", group.vregs, f.Type(group.vregs[0]).DType(), len(group.vregs))
	}
	if data.Rows <= 0 || data.Cols <= 0 || data.ValidK <= 0 {
		exceptions.Panicf("mxu_matmul: invalid block %s", data)
	}
	accType := f.Type(acc[0])
	operands := slices.Concat(lhs, rhs, acc)
	return f.AddOp(ir.OpTypeMXUMatmul, data, slices.Repeat([]ir.Type{accType}, len(acc)), operands...).Results
}

// Assert adds a runtime check that the Bool scalar cond is true.
func Assert(f *ir.Function, cond ir.ValueID, message string) *ir.Op {
	if t := f.Type(cond); !t.IsScalar() || t.DType() != dtypes.Bool {
		exceptions.Panicf("assert: condition must be a Bool scalar, got %s", t)
	}
	return f.AddOp(ir.OpTypeAssert, AssertData{Message: message}, nil, cond)
}

func checkLayout(target layout.Target, l layout.VectorLayout, t ir.Type) {
	if err := target.CheckLayout(l, t.Dims()); err != nil {
		panic(err)
	}
	if bitwidth, ok := layout.BitwidthOf(t.DType()); !ok || bitwidth != l.Bitwidth {
		exceptions.Panicf("layout %s doesn't match %s", l, t)
	}
}

func checkVRegs(f *ir.Function, target layout.Target, opName string, vregs []ir.ValueID, dtype dtypes.DType, n int) {
	if len(vregs) != n {
		exceptions.Panicf("%s: expected %d vregs, got %d", opName, n, len(vregs))
	}
	want := VRegType(target, dtype)
	for _, v := range vregs {
		if t := f.Type(v); !t.Equal(want) {
			exceptions.Panicf("%s: expected vreg of type %s, got %%%d of type %s", opName, want, v, t)
		}
	}
}

func checkAccess(f *ir.Function, target layout.Target, opName string, memref ir.Type, indices []ir.ValueID,
	l layout.VectorLayout, dims []int, vreg int) {
	if !memref.IsMemRef() || len(indices) != memref.Rank() || len(dims) != memref.Rank() {
		exceptions.Panicf("%s: invalid access of %s with %d indices for vector dimensions %v", opName, memref, len(indices), dims)
	}
	for _, idx := range indices {
		if t := f.Type(idx); !t.IsScalar() || !t.DType().IsInt() {
			exceptions.Panicf("%s: indices must be integer scalars, got %s", opName, t)
		}
	}
	checkLayout(target, l, ir.VectorType(memref.DType(), dims...))
	if vreg < 0 || vreg >= target.NumVRegs(l, dims) {
		exceptions.Panicf("%s: vreg #%d out of range for layout %s of %v", opName, vreg, l, dims)
	}
}
