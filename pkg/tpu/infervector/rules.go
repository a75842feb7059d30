// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package infervector

import (
	"slices"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/memspace"
	"github.com/pkg/errors"
)

var replicated = [2]layout.Offset{layout.Replicated, layout.Replicated}

// implicitDimFor returns the implicit dimension used by default for vectors of the given rank.
func implicitDimFor(rank int) layout.ImplicitDim {
	if rank == 1 {
		return layout.ImplicitSecondMinor
	}
	return layout.ImplicitNone
}

// native returns the native layout, with zero offsets, for a vector of type t.
func (inf *inference) native(t ir.Type) (layout.VectorLayout, error) {
	bitwidth, ok := layout.BitwidthOf(t.DType())
	if !ok {
		return layout.VectorLayout{}, errors.Errorf("vectors of %s can't be laid out in vregs", t.DType())
	}
	if t.Rank() == 0 {
		return layout.VectorLayout{}, errors.Errorf("rank-0 vectors can't be laid out")
	}
	return inf.target.NativeLayout(bitwidth, implicitDimFor(t.Rank())), nil
}

// concrete replaces replicated offsets by 0.
func concrete(l layout.VectorLayout) layout.VectorLayout {
	for ii, offset := range l.Offsets {
		if offset.IsReplicated() {
			l.Offsets[ii] = 0
		}
	}
	return l
}

// registerResident drops the memory space tag: results of computations are not memory-backed.
func registerResident(l layout.VectorLayout) layout.VectorLayout {
	return l.WithMemorySpace(ir.MemorySpaceAny)
}

func (inf *inference) isVector(v ir.ValueID) bool {
	return inf.f.Type(v).IsVector()
}

// infer updates the layouts of the results of op, and the layouts it requires of its vector operands.
func (inf *inference) infer(op *ir.Op) error {
	hasVectors := slices.ContainsFunc(op.Results, inf.isVector) || slices.ContainsFunc(op.Operands, func(v ir.ValueID) bool {
		return v != ir.NoValue && inf.isVector(v)
	})
	if !hasVectors {
		return nil
	}
	switch {
	case op.Type == ir.OpTypeConstant:
		return inf.inferSplat(op)
	case op.Type.IsElementwise():
		return inf.inferElementwise(op)
	}
	switch op.Type {
	case ir.OpTypeConvertDType:
		return inf.inferConvert(op)
	case ir.OpTypeBroadcast:
		return inf.inferBroadcast(op)
	case ir.OpTypeReshape:
		return inf.inferReshape(op)
	case ir.OpTypeTranspose:
		return inf.inferTranspose(op)
	case ir.OpTypeReduce:
		return inf.inferReduce(op)
	case ir.OpTypeMatmul:
		return inf.inferMatmul(op)
	case ir.OpTypeLoad:
		return inf.inferLoad(op)
	case ir.OpTypeStore:
		return inf.inferStore(op)
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "%s on vectors can't be laid out", op.Type)
}

func (inf *inference) inferSplat(op *ir.Op) error {
	r := op.Result()
	l, err := inf.native(inf.f.Type(r))
	if err != nil {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "%v", err)
	}
	inf.setFlexible(r, l.WithOffsets(replicated))
	return nil
}

func (inf *inference) inferElementwise(op *ir.Op) error {
	r := op.Result()
	if !inf.isVector(r) {
		return nil
	}
	if ir.ComparisonOperations.Has(op.Type) || op.Type == ir.OpTypeSelect {
		for _, v := range op.Operands {
			if bitwidth, _ := layout.BitwidthOf(inf.f.Type(v).DType()); bitwidth != 32 {
				return diag.OpErrorf(PassName, diag.Unsupported, op, "%s of %d-bit vectors is not supported, only 32-bit",
					op.Type, bitwidth)
			}
		}
	}
	var (
		joined layout.VectorLayout
		err    error
	)
	allFlexible := true
	for _, v := range op.Operands {
		if inf.flexible[v] {
			continue
		}
		allFlexible = false
		l := inf.layouts[v]
		if joined.IsZero() {
			joined = l
			continue
		}
		joined, err = inf.target.Join(joined, l)
		if err != nil {
			return diag.OpErrorf(PassName, diag.LayoutConflict, op, "operands of %s: %v", op.Type, err)
		}
	}
	if allFlexible {
		l, err := inf.native(inf.f.Type(r))
		if err != nil {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "%v", err)
		}
		inf.setFlexible(r, l.WithOffsets(replicated))
		for ii := range op.Operands {
			inf.require(op, ii, inf.layouts[r])
		}
		return nil
	}
	joined = registerResident(joined)
	inf.setResult(r, joined)
	for ii := range op.Operands {
		inf.require(op, ii, joined)
	}
	return nil
}

func (inf *inference) inferConvert(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	if !inf.isVector(r) {
		return nil
	}
	from, _ := layout.BitwidthOf(inf.f.Type(x).DType())
	to, ok := layout.BitwidthOf(inf.f.Type(r).DType())
	if !ok {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "conversion to %s can't be laid out", inf.f.Type(r).DType())
	}
	if from == to {
		return inf.inferElementwise(op)
	}
	l := inf.layouts[x]
	var offsets [2]layout.Offset
	for ii, offset := range l.Offsets {
		if offset.IsReplicated() {
			offsets[ii] = layout.Replicated
		}
	}
	required := inf.target.NativeLayout(from, l.ImplicitDim).WithOffsets(offsets)
	inf.require(op, 0, required)
	inf.setResult(r, inf.target.NativeLayout(to, l.ImplicitDim).WithOffsets(offsets))
	return nil
}

func (inf *inference) inferBroadcast(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	rt := inf.f.Type(r)
	if !inf.isVector(x) {
		l, err := inf.native(rt)
		if err != nil {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "%v", err)
		}
		inf.setFlexible(r, l.WithOffsets(replicated))
		return nil
	}
	xt := inf.f.Type(x)
	required := inf.layouts[x]
	if want := implicitDimFor(xt.Rank()); required.ImplicitDim != want {
		required = inf.target.NativeLayout(required.Bitwidth, want)
	}
	inf.require(op, 0, required)

	xImplicit := required.ImplicitShape(xt.Dims())
	result := registerResident(required.WithImplicitDim(implicitDimFor(rt.Rank())))
	rImplicit := result.ImplicitShape(rt.Dims())
	for ii := range 2 {
		from, to := xImplicit[len(xImplicit)-2+ii], rImplicit[len(rImplicit)-2+ii]
		if from != to {
			result.Offsets[ii] = layout.Replicated
		}
	}
	if inf.flexible[x] {
		inf.setFlexible(r, result)
	} else {
		inf.setResult(r, result)
	}
	return nil
}

func (inf *inference) inferReshape(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	xt, rt := inf.f.Type(x), inf.f.Type(r)
	l := inf.layouts[x]
	resultImplicit := implicitDimFor(rt.Rank())
	if inf.flexible[x] {
		inf.require(op, 0, l)
		inf.setFlexible(r, registerResident(l.WithImplicitDim(resultImplicit).WithOffsets(replicated)))
		return nil
	}
	xImplicit := l.ImplicitShape(xt.Dims())
	result := registerResident(l.WithImplicitDim(resultImplicit))
	rImplicit := result.ImplicitShape(rt.Dims())
	xRank, rRank := len(xImplicit), len(rImplicit)
	if slices.Equal(xImplicit[xRank-2:], rImplicit[rRank-2:]) {
		// Only the leading dimensions are regrouped: the vregs are the same.
		inf.require(op, 0, l)
		inf.setResult(r, result)
		return nil
	}
	rows := inf.target.VRegSlice(l)[0]
	if xImplicit[xRank-1] == rImplicit[rRank-1] && xImplicit[xRank-2]%rows == 0 && rImplicit[rRank-2]%rows == 0 &&
		(l.Offsets[0] == 0 || l.Offsets[0].IsReplicated()) {
		// Rows are regrouped in whole vreg slices.
		required := l.WithOffsets([2]layout.Offset{0, l.Offsets[1]})
		inf.require(op, 0, required)
		inf.setResult(r, registerResident(required.WithImplicitDim(resultImplicit)))
		return nil
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "reshape of %s (layout %s) to %v changes the tiled dimensions",
		xt, l, rt.Dims())
}

// isMinorSwap returns whether the permutation swaps the two minor axes, and keeps the leading ones.
func isMinorSwap(permutation []int) bool {
	rank := len(permutation)
	if rank < 2 || permutation[rank-1] != rank-2 || permutation[rank-2] != rank-1 {
		return false
	}
	for ii := range rank - 2 {
		if permutation[ii] != ii {
			return false
		}
	}
	return true
}

func (inf *inference) inferTranspose(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	permutation := op.Data.(ir.TransposeData).Permutation
	rank := len(permutation)
	l := inf.layouts[x]
	switch {
	case rank == 1 || permutation[rank-1] == rank-1 && permutation[rank-2] == rank-2:
		// Only leading axes are permuted: vreg arrays are permuted, each vreg kept as is.
		inf.require(op, 0, l)
		inf.setResult(r, registerResident(l))
		return nil
	case isMinorSwap(permutation):
		if l.Bitwidth != 32 {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "transpose of %d-bit vectors is not supported, only 32-bit",
				l.Bitwidth)
		}
		native := inf.target.NativeLayout(32, layout.ImplicitNone)
		inf.require(op, 0, native)
		inf.setResult(r, native)
		return nil
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "transpose with permutation %v mixes minor and leading axes",
		permutation)
}

func (inf *inference) inferReduce(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	rank := inf.f.Type(x).Rank()
	axes := op.Data.(ir.ReduceData).Axes
	lanes, sublanes := slices.Contains(axes, rank-1), slices.Contains(axes, rank-2)
	if lanes && sublanes {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "reduction over both minor axes %v is not supported", axes)
	}
	required := inf.layouts[x]
	if required.ImplicitDim != layout.ImplicitNone {
		required = inf.target.NativeLayout(required.Bitwidth, layout.ImplicitNone)
	}
	required = concrete(required)
	inf.require(op, 0, required)
	result := registerResident(required)
	switch {
	case lanes:
		result.ImplicitDim = layout.ImplicitMinor
		result.Offsets[1] = layout.Replicated
	case sublanes:
		result.ImplicitDim = layout.ImplicitSecondMinor
		result.Offsets[0] = layout.Replicated
	}
	inf.setResult(r, result)
	return nil
}

func (inf *inference) inferMatmul(op *ir.Op) error {
	lhs, acc := op.Operands[0], op.Operands[2]
	accBitwidth, _ := layout.BitwidthOf(inf.f.Type(acc).DType())
	if accBitwidth != 32 {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "matmul accumulator must be 32-bit, got %s",
			inf.f.Type(acc).DType())
	}
	bitwidth, ok := layout.BitwidthOf(inf.f.Type(lhs).DType())
	if !ok {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "matmul of %s vectors", inf.f.Type(lhs).DType())
	}
	operand := inf.target.NativeLayout(bitwidth, layout.ImplicitNone)
	inf.require(op, 0, operand)
	inf.require(op, 1, operand)
	result := inf.target.NativeLayout(32, layout.ImplicitNone)
	inf.require(op, 2, result)
	inf.setResult(op.Result(), result)
	return nil
}

// accessLayout returns the layout of a vector of type vt accessed in memref at the given indices.
//
// The tiling is the one of the memref, if it is a valid vreg tiling for the vector, and the offsets are the ones of the
// indices within the vreg slices: they must be known, either constant or proven to be aligned.
func (inf *inference) accessLayout(op *ir.Op, vt ir.Type, memref ir.ValueID, indices []ir.ValueID) (layout.VectorLayout, error) {
	mt := memspace.MemRefType(inf.f, memref)
	if mt.MemorySpace != ir.MemorySpaceVMEM && mt.MemorySpace != ir.MemorySpaceAny {
		return layout.VectorLayout{}, diag.OpErrorf(PassName, diag.Unsupported, op,
			"vector access of %s: only vector memory can be accessed with vregs", mt)
	}
	if !mt.IsRowMajor() {
		return layout.VectorLayout{}, diag.OpErrorf(PassName, diag.Unsupported, op,
			"vector access of %s: memref is not row-major", mt)
	}
	l, err := inf.native(vt)
	if err != nil {
		return layout.VectorLayout{}, diag.OpErrorf(PassName, diag.Unsupported, op, "%v", err)
	}
	if len(mt.Tiling) == 2 && vt.Rank() >= 2 {
		// Memref tilings that can't be used for vregs of this shape fall back to the native tiling.
		tiled := l
		tiled.Tiling = [2]int{mt.Tiling[0], mt.Tiling[1]}
		if inf.target.CheckLayout(tiled, vt.Dims()) == nil {
			l = tiled
		}
	}
	slice := inf.target.VRegSlice(l)
	rank := len(indices)
	for ii := range 2 {
		if vt.Rank() == 1 && ii == 0 {
			continue
		}
		idx := indices[rank-2+ii]
		if c, ok := ir.ConstantInt(inf.f, idx); ok {
			offset := int(c) % slice[ii]
			if offset < 0 {
				offset += slice[ii]
			}
			l.Offsets[ii] = layout.Offset(offset)
			continue
		}
		if !inf.div.IsGuaranteedDivisible(idx, int64(slice[ii]), inf.config.DivisibilityFuel) {
			return layout.VectorLayout{}, diag.ValueErrorf(PassName, diag.Unsupported, idx,
				"vector access of %s: dynamic index can't be proven to be a multiple of %d", mt, slice[ii])
		}
	}
	return l.WithMemorySpace(ir.MemorySpaceVMEM), nil
}

func (inf *inference) inferLoad(op *ir.Op) error {
	r := op.Result()
	if !inf.isVector(r) {
		return nil
	}
	l, err := inf.accessLayout(op, inf.f.Type(r), op.Operands[0], op.Operands[1:])
	if err != nil {
		return err
	}
	inf.setResult(r, l)
	return nil
}

func (inf *inference) inferStore(op *ir.Op) error {
	value := op.Operands[0]
	if !inf.isVector(value) {
		return nil
	}
	l, err := inf.accessLayout(op, inf.f.Type(value), op.Operands[1], op.Operands[2:])
	if err != nil {
		return err
	}
	inf.require(op, 0, l)
	return nil
}
