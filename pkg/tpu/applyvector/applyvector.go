// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package applyvector lowers the vector operations of a function to operations on vregs, following the
// layouts assigned by the vector layout inference.
//
// Every vector value is replaced by its array of vregs (see layout.Target.TileArrayShape): elementwise
// operations become one operation per vreg, matrix multiplications a sequence of matrix unit passes over
// blocks of MXUContractingSize x MXUNonContractingSize, and loads and stores masked vreg accesses.
//
// Where an operand is required in a layout different from the one of its value, a relayout is inserted.
// A relayout of a value to a given layout is shared by all its uses, and a replicated layout is reused
// without data movement where it generalizes the required one. Function parameters and results are
// converted from and to whole vectors with unroll_vectors and roll_vectors.
//
// The rewrite is transactional: on error the function is left unchanged.
package applyvector

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/tpuops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "apply-vector-layout"

// Config of the pass.
type Config struct {
	// HardwareGeneration the function is lowered for, -1 if generation independent.
	HardwareGeneration int

	LaneCount, SublaneCount int

	// MXUContractingSize and MXUNonContractingSize are the sizes of the blocks of the contracting and the
	// output columns dimension of one matrix unit pass.
	MXUContractingSize, MXUNonContractingSize int
}

// DefaultConfig returns the generation independent configuration: default vreg geometry and 128x128 matrix
// unit.
func DefaultConfig() Config {
	return Config{
		HardwareGeneration:    -1,
		LaneCount:             layout.DefaultLaneCount,
		SublaneCount:          layout.DefaultSublaneCount,
		MXUContractingSize:    128,
		MXUNonContractingSize: 128,
	}
}

// ForGeneration returns the default configuration for the given hardware generation.
// Generations 6 and later have a 256x256 matrix unit.
func ForGeneration(generation int) Config {
	c := DefaultConfig()
	c.HardwareGeneration = generation
	if generation >= 6 {
		c.MXUContractingSize, c.MXUNonContractingSize = 256, 256
	}
	return c
}

// Target returns the vreg geometry of the configuration.
func (c Config) Target() layout.Target {
	return layout.Target{LaneCount: c.LaneCount, SublaneCount: c.SublaneCount}
}

// Validate the configuration.
func (c Config) Validate() error {
	if err := c.Target().Validate(); err != nil {
		return diag.Errorf(PassName, diag.InvalidConfig, "%v", err)
	}
	for _, size := range []int{c.MXUContractingSize, c.MXUNonContractingSize} {
		if size <= 0 || size%c.LaneCount != 0 {
			return diag.Errorf(PassName, diag.InvalidConfig,
				"matrix unit sizes must be positive multiples of the %d lanes, got %dx%d",
				c.LaneCount, c.MXUContractingSize, c.MXUNonContractingSize)
		}
	}
	// The contracting blocks are made of whole rhs vregs, for any element type.
	if rows := c.Target().VRegShape(8)[0]; c.MXUContractingSize%rows != 0 {
		return diag.Errorf(PassName, diag.InvalidConfig,
			"matrix unit contracting size must be a multiple of the %d rows of a vreg of 8-bit elements, got %d",
			rows, c.MXUContractingSize)
	}
	return nil
}

// vregArray is a vector value lowered to vregs.
type vregArray struct {
	layout layout.VectorLayout
	dtype  dtypes.DType
	dims   []int

	// shape of the array of vregs, see layout.Target.TileArrayShape.
	shape []int
	vregs []ir.ValueID
}

func (arr vregArray) at(index []int) ir.ValueID {
	return arr.vregs[layout.FlattenIndex(index, arr.shape)]
}

type relayoutKey struct {
	v ir.ValueID
	l layout.VectorLayout
}

// lowering holds the state of one invocation of the pass.
type lowering struct {
	src    *ir.Function
	a      *layout.Assignment
	config Config
	target layout.Target

	r   *ir.Rewriter
	dst *ir.Function

	values    map[ir.ValueID]vregArray
	relayouts map[relayoutKey]vregArray
	zeros     map[dtypes.DType]ir.ValueID

	numRelayouts int
}

// Run lowers the vector operations of f using the layouts of the assignment a.
//
// It returns a diag.Unsupported error if an operation can't be lowered with its assigned layouts. On error
// f is left unchanged.
func Run(f *ir.Function, a *layout.Assignment, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	lw := &lowering{
		src:       f,
		a:         a,
		config:    config,
		target:    config.Target(),
		r:         ir.NewRewriter(f),
		values:    make(map[ir.ValueID]vregArray),
		relayouts: make(map[relayoutKey]vregArray),
		zeros:     make(map[dtypes.DType]ir.ValueID),
	}
	lw.dst = lw.r.Dst
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = lw.lower() })
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		if diag.KindOf(err) == diag.KindInvalid {
			err = diag.Errorf(PassName, diag.Unsupported, "function %q: %v", f.Name(), err)
		}
		return err
	}
	numOps := lw.dst.NumOps()
	if err := lw.r.Commit(); err != nil {
		return errors.WithMessagef(err, "%s: function %q", PassName, f.Name())
	}
	klog.V(1).Infof("%s: %q: lowered to %d ops, %d relayouts", PassName, f.Name(), numOps, lw.numRelayouts)
	return nil
}

func (lw *lowering) lower() error {
	for _, p := range lw.src.Parameters() {
		t := lw.src.Type(p)
		if !t.IsVector() {
			continue
		}
		l, err := lw.layoutOf(p)
		if err != nil {
			return err
		}
		lw.setValue(p, l, tpuops.Unroll(lw.dst, lw.target, lw.r.Lookup(p), l))
	}
	for _, op := range lw.src.Ops() {
		if err := lw.lowerOp(op); err != nil {
			return err
		}
	}

	results := lw.src.Results()
	newResults := make([]ir.ValueID, len(results))
	for ii, v := range results {
		t := lw.src.Type(v)
		if !t.IsVector() {
			newResults[ii] = lw.r.Lookup(v)
			continue
		}
		required, found := lw.a.Output(ii)
		if !found {
			have, err := lw.value(v)
			if err != nil {
				return err
			}
			required = have.layout
		}
		arr, err := lw.as(v, required)
		if err != nil {
			return err
		}
		newResults[ii] = tpuops.Roll(lw.dst, lw.target, arr.vregs, arr.layout, t)
	}
	lw.r.SetResults(newResults...)
	return nil
}

func (lw *lowering) layoutOf(v ir.ValueID) (layout.VectorLayout, error) {
	l, found := lw.a.Result(v)
	if !found {
		return l, diag.ValueErrorf(PassName, diag.Unsupported, v, "no layout assigned to vector of type %s", lw.src.Type(v))
	}
	return l, nil
}

func (lw *lowering) newArray(l layout.VectorLayout, t ir.Type, vregs []ir.ValueID) vregArray {
	return vregArray{
		layout: l,
		dtype:  t.DType(),
		dims:   t.Dims(),
		shape:  lw.target.TileArrayShape(l, t.Dims()),
		vregs:  vregs,
	}
}

// setValue records the vregs of the source vector value v.
func (lw *lowering) setValue(v ir.ValueID, l layout.VectorLayout, vregs []ir.ValueID) {
	t := lw.src.Type(v)
	if n := lw.target.NumVRegs(l, t.Dims()); n != len(vregs) {
		exceptions.Panicf("%%%d with layout %s requires %d vregs, got %d", v, l, n, len(vregs))
	}
	lw.values[v] = lw.newArray(l, t, vregs)
}

func (lw *lowering) value(v ir.ValueID) (vregArray, error) {
	arr, found := lw.values[v]
	if !found {
		return arr, diag.ValueErrorf(PassName, diag.Unsupported, v, "vector of type %s was not lowered", lw.src.Type(v))
	}
	return arr, nil
}

// fetch returns the vregs of the operand #index of op in the layout required for it.
func (lw *lowering) fetch(op *ir.Op, index int) (vregArray, error) {
	v := op.Operands[index]
	required, found := lw.a.Operand(op.ID(), index)
	if !found {
		return lw.value(v)
	}
	return lw.as(v, required)
}

// as returns the vregs of v in the layout required: the vregs of v themselves if its layout generalizes
// the required one, or the result of a relayout.
func (lw *lowering) as(v ir.ValueID, required layout.VectorLayout) (vregArray, error) {
	have, err := lw.value(v)
	if err != nil {
		return have, err
	}
	if layout.Generalizes(have.layout, required) {
		return lw.expand(have, required), nil
	}
	key := relayoutKey{v, required}
	if arr, found := lw.relayouts[key]; found {
		return arr, nil
	}
	if have.layout.Bitwidth != required.Bitwidth {
		return have, diag.ValueErrorf(PassName, diag.Unsupported, v, "can't relayout from %s to %s", have.layout, required)
	}
	if err := lw.target.CheckLayout(required, have.dims); err != nil {
		return have, diag.ValueErrorf(PassName, diag.Unsupported, v, "invalid required layout: %v", err)
	}
	vregs := tpuops.Relayout(lw.dst, lw.target, have.vregs, have.dtype, have.dims, have.layout, required)
	arr := lw.newArray(required, lw.src.Type(v), vregs)
	lw.relayouts[key] = arr
	lw.numRelayouts++
	return arr, nil
}

// expand returns the vregs of have as the array of a layout it generalizes: along the dimensions where
// have is replicated and the required layout is not, the same vreg is reused.
func (lw *lowering) expand(have vregArray, required layout.VectorLayout) vregArray {
	shape := lw.target.TileArrayShape(required, have.dims)
	if required.Offsets == have.layout.Offsets {
		have.layout = required
		return have
	}
	vregs := make([]ir.ValueID, xslices.Product(shape))
	index := make([]int, len(shape))
	rank := len(shape)
	for ii := range vregs {
		layout.UnFlattenIndex(ii, shape, index)
		for d, offset := range have.layout.Offsets {
			if offset.IsReplicated() {
				index[rank-2+d] = 0
			}
		}
		vregs[ii] = have.at(index)
	}
	return vregArray{layout: required, dtype: have.dtype, dims: have.dims, shape: shape, vregs: vregs}
}

// zeroVReg returns a vreg of zeros of the given dtype.
func (lw *lowering) zeroVReg(dtype dtypes.DType) ir.ValueID {
	if v, found := lw.zeros[dtype]; found {
		return v
	}
	v := lw.dst.Constant(tpuops.VRegType(lw.target, dtype), 0)
	lw.zeros[dtype] = v
	return v
}

func (lw *lowering) touchesVectors(op *ir.Op) bool {
	for _, v := range op.Operands {
		if v != ir.NoValue && lw.src.Type(v).IsVector() {
			return true
		}
	}
	for _, v := range op.Results {
		if lw.src.Type(v).IsVector() {
			return true
		}
	}
	return false
}

func (lw *lowering) lowerOp(op *ir.Op) error {
	if !lw.touchesVectors(op) {
		lw.r.Clone(op)
		return nil
	}
	switch {
	case op.Type == ir.OpTypeConstant:
		return lw.lowerConstant(op)
	case op.Type.IsElementwise():
		return lw.lowerElementwise(op)
	}
	switch op.Type {
	case ir.OpTypeConvertDType:
		return lw.lowerConvert(op)
	case ir.OpTypeBroadcast:
		return lw.lowerBroadcast(op)
	case ir.OpTypeReshape:
		return lw.lowerReshape(op)
	case ir.OpTypeTranspose:
		return lw.lowerTranspose(op)
	case ir.OpTypeReduce:
		return lw.lowerReduce(op)
	case ir.OpTypeMatmul:
		return lw.lowerMatmul(op)
	case ir.OpTypeLoad:
		return lw.lowerLoad(op)
	case ir.OpTypeStore:
		return lw.lowerStore(op)
	}
	return diag.OpErrorf(PassName, diag.Unsupported, op, "%s on vectors can't be lowered to vregs", op.Type)
}
