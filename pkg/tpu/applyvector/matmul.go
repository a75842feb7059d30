// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package applyvector

import (
	"slices"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
	"k8s.io/klog/v2"
)

// lowerMatmul splits acc + lhs x rhs in matrix unit passes: the output columns in blocks of
// MXUNonContractingSize, the contracting dimension in blocks of MXUContractingSize, and the rows one
// accumulator vreg row at a time. Each pass updates the accumulator vregs of its block.
func (lw *lowering) lowerMatmul(op *ir.Op) error {
	r := op.Result()
	l, err := lw.layoutOf(r)
	if err != nil {
		return err
	}
	var operands [3]vregArray
	for ii := range operands {
		operands[ii], err = lw.fetch(op, ii)
		if err != nil {
			return err
		}
		native := lw.target.NativeLayout(operands[ii].layout.Bitwidth, layout.ImplicitNone)
		if !sameSlots(operands[ii].layout, native) {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "matmul operand #%d with layout %s, only native layouts are supported",
				ii, operands[ii].layout)
		}
	}
	lhs, rhs, acc := operands[0], operands[1], operands[2]
	if !sameSlots(acc.layout, l) {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "matmul accumulator layout %s doesn't match result layout %s", acc.layout, l)
	}
	registerLayout := func(arr vregArray) layout.VectorLayout { return arr.layout.WithMemorySpace(ir.MemorySpaceAny) }
	data := tpuops.MatmulData{Lhs: registerLayout(lhs), Rhs: registerLayout(rhs), Acc: registerLayout(acc)}

	m, k, n := lhs.dims[0], lhs.dims[1], rhs.dims[1]
	lanes := lw.target.LaneCount
	lhsRows := lw.target.VRegSlice(data.Lhs)[0]
	rhsRows := lw.target.VRegSlice(data.Rhs)[0]
	accRows := lw.target.VRegSlice(data.Acc)[0]
	accCols := acc.shape[1]
	vregs := slices.Clone(acc.vregs)
	var numPasses int
	for n0 := 0; n0 < n; n0 += lw.config.MXUNonContractingSize {
		data.Cols = min(lw.config.MXUNonContractingSize, n-n0)
		col0, numCols := n0/lanes, xslices.CeilDiv(data.Cols, lanes)
		for k0 := 0; k0 < k; k0 += lw.config.MXUContractingSize {
			data.ValidK = min(lw.config.MXUContractingSize, k-k0)
			numLhsCols := xslices.CeilDiv(data.ValidK, lanes)
			numRhsRows := xslices.CeilDiv(data.ValidK, rhsRows)
			data.LhsGrid = [2]int{1, numLhsCols}
			data.RhsGrid = [2]int{numRhsRows, numCols}
			data.AccGrid = [2]int{1, numCols}
			rhsBlock := make([]ir.ValueID, 0, numRhsRows*numCols)
			for row := range numRhsRows {
				for col := range numCols {
					rhsBlock = append(rhsBlock, rhs.at([]int{k0/rhsRows + row, col0 + col}))
				}
			}
			for ia := range acc.shape[0] {
				row0 := ia * accRows
				data.Rows = min(accRows, m-row0)
				data.LhsRowOffset = row0 % lhsRows
				lhsBlock := make([]ir.ValueID, numLhsCols)
				for col := range numLhsCols {
					lhsBlock[col] = lhs.at([]int{row0 / lhsRows, k0/lanes + col})
				}
				first := ia*accCols + col0
				accBlock := vregs[first : first+numCols]
				updated := tpuops.MXUMatmul(lw.dst, lw.target, lhsBlock, rhsBlock, accBlock, data)
				copy(vregs[first:first+numCols], updated)
				numPasses++
			}
		}
	}
	klog.V(2).Infof("%s: matmul %dx%dx%d lowered to %d matrix unit passes", PassName, m, k, n, numPasses)
	lw.setValue(r, l, vregs)
	return nil
}
