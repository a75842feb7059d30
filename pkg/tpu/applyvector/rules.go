// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package applyvector

import (
	"slices"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
)

// sameSlots returns whether values with layouts a and b hold their elements in the same vreg slots.
func sameSlots(a, b layout.VectorLayout) bool {
	return a.Tiling == b.Tiling && a.Offsets == b.Offsets && a.ImplicitDim == b.ImplicitDim
}

func (lw *lowering) lowerConstant(op *ir.Op) error {
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	t := lw.src.Type(r)
	vreg := lw.dst.Constant(tpuops.VRegType(lw.target, t.DType()), op.Data.(ir.ConstantData).Value)
	lw.setValue(r, l, slices.Repeat([]ir.ValueID{vreg}, lw.target.NumVRegs(l, t.Dims())))
	return nil
}

func (lw *lowering) lowerElementwise(op *ir.Op) error {
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	t := lw.src.Type(r)
	operands := make([]vregArray, len(op.Operands))
	for ii := range op.Operands {
		operands[ii], err = lw.fetch(op, ii)
		if err != nil {
			return err
		}
		if !sameSlots(operands[ii].layout, l) {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "operand #%d with layout %s doesn't match result layout %s",
				ii, operands[ii].layout, l)
		}
	}

	// Replicated operands reuse the same vregs: the op is emitted once per distinct set of operands.
	type key [3]ir.ValueID
	emitted := make(map[key]ir.ValueID)
	vregs := make([]ir.ValueID, lw.target.NumVRegs(l, t.Dims()))
	args := make([]ir.ValueID, len(operands))
	for ii := range vregs {
		k := key{ir.NoValue, ir.NoValue, ir.NoValue}
		for jj, arr := range operands {
			args[jj] = arr.vregs[ii]
			k[jj] = args[jj]
		}
		if v, found := emitted[k]; found {
			vregs[ii] = v
			continue
		}
		switch {
		case ir.UnaryOperations.Has(op.Type):
			vregs[ii] = lw.dst.Unary(op.Type, args[0])
		case op.Type == ir.OpTypeSelect:
			vregs[ii] = lw.dst.Select(args[0], args[1], args[2])
		case op.Type == ir.OpTypeConvertDType:
			vregs[ii] = lw.dst.Convert(args[0], t.DType())
		default:
			vregs[ii] = lw.dst.Binary(op.Type, args[0], args[1])
		}
		emitted[k] = vregs[ii]
	}
	lw.setValue(r, l, vregs)
	return nil
}

// lowerConvert lowers conversions between types of different bitwidths: the number of rows of a vreg
// changes, so result vregs take rows from one (widening) or several (narrowing) operand vregs.
func (lw *lowering) lowerConvert(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	from, to := lw.src.Type(x).DType(), lw.src.Type(r).DType()
	fromBits, _ := layout.BitwidthOf(from)
	toBits, _ := layout.BitwidthOf(to)
	if fromBits == toBits {
		return lw.lowerElementwise(op)
	}
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	xl := arr.layout
	if !lw.target.IsNativeTiling(xl) || !lw.target.IsNativeTiling(l) || xl.ImplicitDim != l.ImplicitDim ||
		xl.Offsets != l.Offsets || slices.ContainsFunc(l.Offsets[:], func(o layout.Offset) bool { return o > 0 }) {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "conversion from layout %s to %s", xl, l)
	}
	t := lw.src.Type(r)
	shape := lw.target.TileArrayShape(l, t.Dims())
	rank := len(shape)
	fromRows, toRows := lw.target.VRegShape(fromBits)[0], lw.target.VRegShape(toBits)[0]
	vregs := make([]ir.ValueID, xslices.Product(shape))
	index := make([]int, rank)
	xIndex := make([]int, rank)
	for ii := range vregs {
		layout.UnFlattenIndex(ii, shape, index)
		copy(xIndex, index)
		row := index[rank-2] * toRows
		var (
			operands  []ir.ValueID
			rowOffset int
		)
		if toRows < fromRows {
			xIndex[rank-2] = row / fromRows
			operands = []ir.ValueID{arr.at(xIndex)}
			rowOffset = row % fromRows
		} else {
			for k := range toRows / fromRows {
				xRow := row/fromRows + k
				if xl.Offsets[0].IsReplicated() {
					xRow = 0
				} else if xRow >= arr.shape[rank-2] {
					break
				}
				xIndex[rank-2] = xRow
				operands = append(operands, arr.at(xIndex))
			}
		}
		vregs[ii] = tpuops.Convert(lw.dst, lw.target, operands, to, rowOffset)
	}
	lw.setValue(r, l, vregs)
	return nil
}

func (lw *lowering) lowerBroadcast(op *ir.Op) error {
	x, r := op.Operands[0], op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	t := lw.src.Type(r)
	n := lw.target.NumVRegs(l, t.Dims())
	if !lw.src.Type(x).IsVector() {
		vreg := tpuops.BroadcastScalar(lw.dst, lw.target, lw.r.Lookup(x))
		lw.setValue(r, l, slices.Repeat([]ir.ValueID{vreg}, n))
		return nil
	}
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	xl := arr.layout
	xImplicit, rImplicit := xl.ImplicitShape(arr.dims), l.ImplicitShape(t.Dims())
	shift := len(rImplicit) - len(xImplicit)
	if xl.Tiling != l.Tiling || shift < 0 {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "broadcast from layout %s to %s", xl, l)
	}
	for d := range 2 {
		xDim, rDim := xImplicit[len(xImplicit)-2+d], rImplicit[len(rImplicit)-2+d]
		if (xDim != rDim && !l.Offsets[d].IsReplicated()) || (xDim == rDim && xl.Offsets[d] != l.Offsets[d]) {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "broadcast from layout %s to %s", xl, l)
		}
	}

	shape := lw.target.TileArrayShape(l, t.Dims())
	index := make([]int, len(shape))
	xIndex := make([]int, len(arr.shape))
	broadcasted := make(map[int]ir.ValueID)
	vregs := make([]ir.ValueID, n)
	for ii := range vregs {
		layout.UnFlattenIndex(ii, shape, index)
		for k := range xIndex {
			if xImplicit[k] == 1 {
				xIndex[k] = 0
			} else {
				xIndex[k] = index[k+shift]
			}
		}
		flat := layout.FlattenIndex(xIndex, arr.shape)
		v, found := broadcasted[flat]
		if !found {
			v = arr.vregs[flat]
			for d := range 2 {
				if l.Offsets[d].IsReplicated() && !xl.Offsets[d].IsReplicated() {
					v = tpuops.BroadcastSlots(lw.dst, lw.target, v, xl, d, int(xl.Offsets[d]))
				}
			}
			broadcasted[flat] = v
		}
		vregs[ii] = v
	}
	lw.setValue(r, l, vregs)
	return nil
}

func (lw *lowering) lowerReshape(op *ir.Op) error {
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	t := lw.src.Type(r)
	n := lw.target.NumVRegs(l, t.Dims())
	xImplicit, rImplicit := arr.layout.ImplicitShape(arr.dims), l.ImplicitShape(t.Dims())
	xRank, rRank := len(xImplicit), len(rImplicit)
	rows := lw.target.VRegSlice(l)[0]
	if arr.layout.Tiling == l.Tiling && arr.layout.Offsets == l.Offsets && len(arr.vregs) == n {
		sameMinor := slices.Equal(xImplicit[xRank-2:], rImplicit[rRank-2:])
		wholeRows := xImplicit[xRank-1] == rImplicit[rRank-1] && l.Offsets[0] == 0 &&
			xImplicit[xRank-2]%rows == 0 && rImplicit[rRank-2]%rows == 0
		if sameMinor || wholeRows {
			lw.setValue(r, l, arr.vregs)
			return nil
		}
	}
	splat := l.Offsets == [2]layout.Offset{layout.Replicated, layout.Replicated} &&
		!slices.ContainsFunc(arr.vregs, func(v ir.ValueID) bool { return v != arr.vregs[0] })
	if splat {
		lw.setValue(r, l, slices.Repeat([]ir.ValueID{arr.vregs[0]}, n))
		return nil
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "reshape of %v (layout %s) to %v (layout %s)",
		arr.dims, arr.layout, t.Dims(), l)
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

func (lw *lowering) lowerTranspose(op *ir.Op) error {
	permutation := op.Data.(ir.TransposeData).Permutation
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	t := lw.src.Type(r)
	rank := len(permutation)
	if rank == 1 || permutation[rank-1] == rank-1 && permutation[rank-2] == rank-2 {
		if !sameSlots(arr.layout, l) {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "transpose from layout %s to %s", arr.layout, l)
		}
		// Only the vreg arrays of the leading axes are permuted.
		shape := lw.target.TileArrayShape(l, t.Dims())
		index := make([]int, len(shape))
		xIndex := make([]int, len(shape))
		vregs := make([]ir.ValueID, xslices.Product(shape))
		for ii := range vregs {
			layout.UnFlattenIndex(ii, shape, index)
			copy(xIndex, index)
			for k := range min(len(shape)-2, rank) {
				xIndex[permutation[k]] = index[k]
			}
			vregs[ii] = arr.at(xIndex)
		}
		lw.setValue(r, l, vregs)
		return nil
	}
	if isMinorSwap(permutation) {
		return lw.lowerMinorTranspose(op, arr, l)
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "transpose with permutation %v", permutation)
}

// lowerMinorTranspose transposes the two minor axes, in blocks of LaneCount x LaneCount elements. Blocks
// are padded with vregs of zeros.
func (lw *lowering) lowerMinorTranspose(op *ir.Op, arr vregArray, l layout.VectorLayout) error {
	native := lw.target.NativeLayout(32, layout.ImplicitNone)
	if arr.layout.Bitwidth != 32 || !sameSlots(arr.layout, native) || !sameSlots(l, native) {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "transpose of minor axes from layout %s to %s", arr.layout, l)
	}
	r := op.Result()
	t := lw.src.Type(r)
	shape := lw.target.TileArrayShape(l, t.Dims())
	numLeading := xslices.Product(shape[:len(shape)-2])
	xRows, xCols := arr.shape[len(arr.shape)-2], arr.shape[len(arr.shape)-1]
	rows, cols := shape[len(shape)-2], shape[len(shape)-1]
	perBlock := lw.target.LaneCount / lw.target.SublaneCount
	zero := lw.zeroVReg(arr.dtype)
	vregs := make([]ir.ValueID, xslices.Product(shape))
	block := make([]ir.ValueID, perBlock)
	for lead := range numLeading {
		for bi := range cols {
			for bj := range xCols {
				for k := range perBlock {
					row := bi*perBlock + k
					block[k] = zero
					if row < xRows {
						block[k] = arr.vregs[(lead*xRows+row)*xCols+bj]
					}
				}
				transposed := tpuops.Transpose(lw.dst, lw.target, block)
				for k, v := range transposed {
					if row := bj*perBlock + k; row < rows {
						vregs[(lead*rows+row)*cols+bi] = v
					}
				}
			}
		}
	}
	lw.setValue(r, l, vregs)
	return nil
}

var reduceCombiners = map[ir.ReduceKind]ir.OpType{
	ir.ReduceSum: ir.OpTypeAdd,
	ir.ReduceMax: ir.OpTypeMax,
	ir.ReduceMin: ir.OpTypeMin,
}

// lowerReduce reduces leading axes by combining whole vregs, and a minor axis with vreg_reduce over all the
// vregs along it, restricted to the slots holding data.
func (lw *lowering) lowerReduce(op *ir.Op) error {
	kind := op.Data.(ir.ReduceData).Kind
	axes := op.Data.(ir.ReduceData).Axes
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	xl := arr.layout
	rank := len(arr.dims)
	if xl.ImplicitDim != layout.ImplicitNone || xl.Offsets[0].IsReplicated() || xl.Offsets[1].IsReplicated() {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "reduction of layout %s", xl)
	}
	reduced := make([]bool, rank)
	for _, axis := range axes {
		reduced[axis] = true
	}
	dim := -1
	switch {
	case reduced[rank-1] && reduced[rank-2]:
		return diag.OpErrorf(PassName, diag.Unsupported, op, "reduction over both minor axes")
	case reduced[rank-1]:
		dim = 1
	case reduced[rank-2]:
		dim = 0
	}
	var kept, free []int
	for axis := range rank - 2 {
		if reduced[axis] {
			free = append(free, axis)
		} else {
			kept = append(kept, axis)
		}
	}
	if dim >= 0 {
		free = append(free, rank-2+dim)
	}
	t := lw.src.Type(r)
	shape := lw.target.TileArrayShape(l, t.Dims())
	if len(shape) != len(kept)+2 {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "reduction from layout %s to %s", xl, l)
	}

	slice := lw.target.VRegSlice(xl)
	freeShape := xslices.Map(free, func(axis int) int { return arr.shape[axis] })
	numFree := xslices.Product(freeShape)
	index := make([]int, len(shape))
	xIndex := make([]int, rank)
	freeIndex := make([]int, len(free))
	vregs := make([]ir.ValueID, xslices.Product(shape))
	for ii := range vregs {
		layout.UnFlattenIndex(ii, shape, index)
		for jj, axis := range kept {
			xIndex[axis] = index[jj]
		}
		for d := range 2 {
			if d != dim {
				xIndex[rank-2+d] = index[len(kept)+d]
			}
		}
		operands := make([]ir.ValueID, 0, numFree)
		var windows [][2]int
		for jj := range numFree {
			layout.UnFlattenIndex(jj, freeShape, freeIndex)
			for kk, axis := range free {
				xIndex[axis] = freeIndex[kk]
			}
			operands = append(operands, arr.at(xIndex))
			if dim >= 0 {
				tile, offset, size := xIndex[rank-2+dim], int(xl.Offsets[dim]), arr.dims[rank-2+dim]
				start := tile * slice[dim]
				windows = append(windows, [2]int{max(0, offset-start), min(slice[dim], offset+size-start)})
			}
		}
		if dim >= 0 {
			vregs[ii] = tpuops.Reduce(lw.dst, lw.target, operands, kind, xl, dim, windows)
			continue
		}
		acc := operands[0]
		for _, v := range operands[1:] {
			acc = lw.dst.Binary(reduceCombiners[kind], acc, v)
		}
		vregs[ii] = acc
	}
	lw.setValue(r, l, vregs)
	return nil
}

func (lw *lowering) lowerLoad(op *ir.Op) error {
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	dims := lw.src.Type(r).Dims()
	memref := lw.r.Lookup(op.Operands[0])
	indices := lw.r.LookupAll(op.Operands[1:])
	vregs := make([]ir.ValueID, lw.target.NumVRegs(l, dims))
	for ii := range vregs {
		vregs[ii] = tpuops.VRegLoad(lw.dst, lw.target, memref, indices, l, dims, ii)
	}
	lw.setValue(r, l, vregs)
	return nil
}

func (lw *lowering) lowerStore(op *ir.Op) error {
	arr, err := lw.fetch(op, 0)
	if err != nil {
		return err
	}
	if arr.layout.Offsets[0].IsReplicated() || arr.layout.Offsets[1].IsReplicated() {
		// Replicated slots all map to the first element: store from the expanded, concrete, layout.
		concrete := arr.layout
		for d, offset := range concrete.Offsets {
			if offset.IsReplicated() {
				concrete.Offsets[d] = 0
			}
		}
		arr, err = lw.as(op.Operands[0], concrete)
		if err != nil {
			return err
		}
	}
	memref := lw.r.Lookup(op.Operands[1])
	indices := lw.r.LookupAll(op.Operands[2:])
	for ii, v := range arr.vregs {
		tpuops.VRegStore(lw.dst, lw.target, v, memref, indices, arr.layout, arr.dims, ii)
	}
	return nil
}
