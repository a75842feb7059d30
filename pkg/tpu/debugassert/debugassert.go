// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package debugassert guards the lowered vreg accesses with runtime checks of the assumptions made when
// laying them out, and validates statically what doesn't depend on runtime values.
//
// For every dynamic index of a vreg_load or vreg_store it inserts asserts that the accessed region is within
// the bounds of the memory reference, and that the index is aligned as the layout offsets assume. Constant
// indices and relayouts are checked at compile time.
//
// The asserts only read values: they never change the results of the function.
package debugassert

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/sets"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "debug-assert-insertion"

// Config of the pass.
type Config struct {
	LaneCount, SublaneCount int
}

// DefaultConfig returns the configuration for the default vreg geometry.
func DefaultConfig() Config {
	return Config{LaneCount: layout.DefaultLaneCount, SublaneCount: layout.DefaultSublaneCount}
}

// Target returns the vreg geometry of the configuration.
func (c Config) Target() layout.Target {
	return layout.Target{LaneCount: c.LaneCount, SublaneCount: c.SublaneCount}
}

type checkKind int

const (
	checkLower checkKind = iota
	checkUpper
	checkAlignment
)

// check identifies an assert already inserted: asserts are shared by all the vregs (and all the accesses)
// using the same index on the same axis.
type check struct {
	index     ir.ValueID
	axis      int
	kind      checkKind
	bound     int64
	alignment int64
}

type inserter struct {
	target layout.Target
	r      *ir.Rewriter
	dst    *ir.Function

	inserted  sets.Set[check]
	constants map[constantKey]ir.ValueID
}

type constantKey struct {
	dtype dtypes.DType
	value int64
}

// Run inserts the asserts in f. On error f is left unchanged.
//
// It returns a diag.LayoutConflict error if a constant index is not aligned as its access layout requires,
// and a diag.Unsupported error for constant out of bounds accesses and for invalid relayouts.
func Run(f *ir.Function, config Config) error {
	target := config.Target()
	if err := target.Validate(); err != nil {
		return diag.Errorf(PassName, diag.InvalidConfig, "%v", err)
	}
	ins := &inserter{
		target:    target,
		r:         ir.NewRewriter(f),
		inserted:  sets.Make[check](),
		constants: make(map[constantKey]ir.ValueID),
	}
	ins.dst = ins.r.Dst
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = ins.run(f) })
	if panicErr != nil {
		err = diag.Errorf(PassName, diag.Unsupported, "function %q: %v", f.Name(), panicErr)
	}
	if err != nil {
		return err
	}
	if err := ins.r.Commit(); err != nil {
		return errors.WithMessagef(err, "%s: function %q", PassName, f.Name())
	}
	klog.V(1).Infof("%s: %q: %d asserts inserted", PassName, f.Name(), len(ins.inserted))
	return nil
}

func (ins *inserter) run(f *ir.Function) error {
	for _, op := range f.Ops() {
		var err error
		switch op.Type {
		case ir.OpTypeVRegLoad:
			err = ins.guardAccess(op, op.Operands[0], op.Operands[1:])
		case ir.OpTypeVRegStore:
			err = ins.guardAccess(op, op.Operands[1], op.Operands[2:])
		case ir.OpTypeRelayout:
			err = ins.validateRelayout(op)
		}
		if err != nil {
			return err
		}
		ins.r.Clone(op)
	}
	return nil
}

// minorAxes returns the axes of a value of the given rank laid out along the sublanes and the lanes of the
// vregs, -1 for an implicit one.
func minorAxes(l layout.VectorLayout, rank int) [2]int {
	switch l.ImplicitDim {
	case layout.ImplicitMinor:
		return [2]int{rank - 1, -1}
	case layout.ImplicitSecondMinor:
		return [2]int{-1, rank - 1}
	}
	return [2]int{rank - 2, rank - 1}
}

func (ins *inserter) guardAccess(op *ir.Op, memref ir.ValueID, indices []ir.ValueID) error {
	src := ins.r.Source()
	data := op.Data.(tpuops.AccessData)
	memDims := src.Type(memref).Dims()
	slice := ins.target.VRegSlice(data.Layout)
	alignments := make(map[int][2]int64)
	for d, axis := range minorAxes(data.Layout, len(data.Dims)) {
		if axis >= 0 && !data.Layout.Offsets[d].IsReplicated() {
			alignments[axis] = [2]int64{int64(slice[d]), int64(data.Layout.Offsets[d])}
		}
	}
	for axis, idx := range indices {
		upper := int64(memDims[axis] - data.Dims[axis])
		alignment, aligned := alignments[axis]
		if c, isConstant := ir.ConstantInt(src, idx); isConstant {
			if c < 0 || c > upper {
				return diag.OpErrorf(PassName, diag.Unsupported, op, "index %d of axis %d out of bounds for %d elements of %v",
					c, axis, data.Dims[axis], memDims)
			}
			if aligned && c%alignment[0] != alignment[1] {
				return diag.OpErrorf(PassName, diag.LayoutConflict, op, "index %d of axis %d doesn't match the offset %d of layout %s",
					c, axis, alignment[1], data.Layout)
			}
			continue
		}
		ins.assert(check{index: idx, axis: axis, kind: checkLower})
		ins.assert(check{index: idx, axis: axis, kind: checkUpper, bound: upper})
		if aligned {
			ins.assert(check{index: idx, axis: axis, kind: checkAlignment, bound: alignment[1], alignment: alignment[0]})
		}
	}
	return nil
}

// constant returns a scalar constant of the type of the source value v.
func (ins *inserter) constant(v ir.ValueID, value int64) ir.ValueID {
	t := ins.r.Source().Type(v)
	key := constantKey{dtype: t.DType(), value: value}
	if c, found := ins.constants[key]; found {
		return c
	}
	c := ins.dst.Constant(t, float64(value))
	ins.constants[key] = c
	return c
}

func (ins *inserter) assert(c check) {
	if !ins.inserted.InsertNew(c) {
		return
	}
	idx := ins.r.Lookup(c.index)
	var (
		cond    ir.ValueID
		message string
	)
	switch c.kind {
	case checkLower:
		cond = ins.dst.Binary(ir.OpTypeGreaterOrEqual, idx, ins.constant(c.index, 0))
		message = "index of axis %d is negative"
	case checkUpper:
		cond = ins.dst.Binary(ir.OpTypeLessOrEqual, idx, ins.constant(c.index, c.bound))
		message = "access of axis %d out of bounds"
	case checkAlignment:
		rem := ins.dst.Binary(ir.OpTypeRem, idx, ins.constant(c.index, c.alignment))
		cond = ins.dst.Binary(ir.OpTypeEqual, rem, ins.constant(c.index, c.bound))
		message = "index of axis %d is not aligned with the layout offset"
	}
	tpuops.Assert(ins.dst, cond, fmt.Sprintf(message, c.axis))
}

// validateRelayout checks a relayout is consistent: same bitwidth, valid layouts for its dimensions, and
// the right number of vregs on each side.
func (ins *inserter) validateRelayout(op *ir.Op) error {
	data := op.Data.(tpuops.RelayoutData)
	if data.From.Bitwidth != data.To.Bitwidth {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "relayout changes bitwidth from %s to %s", data.From, data.To)
	}
	for _, l := range []layout.VectorLayout{data.From, data.To} {
		if err := ins.target.CheckLayout(l, data.Dims); err != nil {
			return diag.OpErrorf(PassName, diag.Unsupported, op, "invalid relayout: %v", err)
		}
	}
	if n := ins.target.NumVRegs(data.From, data.Dims); n != len(op.Operands) {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "relayout from %s takes %d vregs, got %d", data.From, n, len(op.Operands))
	}
	if n := ins.target.NumVRegs(data.To, data.Dims); n != len(op.Results) {
		return diag.OpErrorf(PassName, diag.Unsupported, op, "relayout to %s yields %d vregs, got %d", data.To, n, len(op.Results))
	}
	return nil
}
