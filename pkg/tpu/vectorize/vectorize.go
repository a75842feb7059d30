// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vectorize converts the structured linalg operations over memory references into vector form:
// whole memory references are loaded as vectors, computed on, and stored back.
//
// Generations without a bfloat16 ALU get bfloat16 elementwise arithmetic widened to float32, with the
// result narrowed back. Matrix multiplications always accumulate 16-bit floats in float32, since the
// matrix unit takes bfloat16 operands but accumulates in float32.
package vectorize

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "linalg-vectorization"

// Config of the pass.
type Config struct {
	// SupportsBF16ALU is set if the target generation computes bfloat16 elementwise arithmetic natively.
	SupportsBF16ALU bool
}

// DefaultConfig assumes no native bfloat16 arithmetic, which is valid for every generation.
func DefaultConfig() Config {
	return Config{}
}

// ForGeneration returns the configuration for the given hardware generation: bfloat16 ALUs were introduced
// with generation 6. A negative (unknown) generation uses the DefaultConfig.
func ForGeneration(generation int) Config {
	return Config{SupportsBF16ALU: generation >= 6}
}

// vectorizer holds the state of one invocation of the pass.
type vectorizer struct {
	config Config
	r      *ir.Rewriter
	dst    *ir.Function
	zero   ir.ValueID

	numVectorized, numWidened int
}

// Run converts all linalg operations of f to vector operations. On error f is left unchanged.
func Run(f *ir.Function, config Config) error {
	vz := &vectorizer{config: config, r: ir.NewRewriter(f), zero: ir.NoValue}
	vz.dst = vz.r.Dst
	var err error
	panicErr := exceptions.TryCatch[error](func() { err = vz.run(f) })
	if panicErr != nil {
		err = diag.Errorf(PassName, diag.Unsupported, "function %q: %v", f.Name(), panicErr)
	}
	if err != nil {
		return err
	}
	if err := vz.r.Commit(); err != nil {
		return errors.WithMessagef(err, "%s: function %q", PassName, f.Name())
	}
	klog.V(1).Infof("%s: %q: %d linalg ops vectorized, %d widened to float32", PassName, f.Name(),
		vz.numVectorized, vz.numWidened)
	return nil
}

func (vz *vectorizer) run(f *ir.Function) error {
	for _, op := range f.Ops() {
		var err error
		switch op.Type {
		case ir.OpTypeLinalgElementwise:
			err = vz.elementwise(op)
		case ir.OpTypeLinalgFill:
			err = vz.fill(op)
		case ir.OpTypeLinalgMatmul:
			err = vz.matmul(op)
		default:
			vz.r.Clone(op)
			continue
		}
		if err != nil {
			return err
		}
		vz.numVectorized++
	}
	return nil
}

// indices returns the zero indices to access a whole memref of the given rank.
func (vz *vectorizer) indices(rank int) []ir.ValueID {
	if vz.zero == ir.NoValue {
		vz.zero = vz.dst.ConstantIndex(0)
	}
	return slices.Repeat([]ir.ValueID{vz.zero}, rank)
}

// load loads the whole source memref v: a vector, or a scalar for rank-0 memrefs.
func (vz *vectorizer) load(v ir.ValueID) ir.ValueID {
	t := vz.r.Source().Type(v)
	return vz.dst.Load(vz.r.Lookup(v), t.Dims(), vz.indices(t.Rank())...)
}

func (vz *vectorizer) store(value, memref ir.ValueID) {
	t := vz.r.Source().Type(memref)
	vz.dst.Store(value, vz.r.Lookup(memref), vz.indices(t.Rank())...)
}

// widens returns whether elementwise arithmetic of kind on dtype must be computed in float32.
func (vz *vectorizer) widens(dtype dtypes.DType) bool {
	return dtype == dtypes.BFloat16 && !vz.config.SupportsBF16ALU
}

func (vz *vectorizer) elementwise(op *ir.Op) error {
	kind := op.Data.(ir.LinalgElementwiseData).Kind
	numIns := len(op.Operands) - 1
	out := op.Operands[numIns]
	dtype := vz.r.Source().Type(out).DType()
	widen := vz.widens(dtype)
	ins := make([]ir.ValueID, numIns)
	for ii, in := range op.Operands[:numIns] {
		ins[ii] = vz.load(in)
		if widen {
			ins[ii] = vz.dst.Convert(ins[ii], dtypes.Float32)
		}
	}
	var result ir.ValueID
	switch numIns {
	case 1:
		result = vz.dst.Unary(kind, ins[0])
	case 2:
		result = vz.dst.Binary(kind, ins[0], ins[1])
	default:
		return diag.OpErrorf(PassName, diag.Unsupported, op, "%s with %d inputs", kind, numIns)
	}
	if widen {
		result = vz.dst.Convert(result, dtype)
		vz.numWidened++
	}
	vz.store(result, out)
	return nil
}

func (vz *vectorizer) fill(op *ir.Op) error {
	value, out := vz.r.Lookup(op.Operands[0]), op.Operands[1]
	if dims := vz.r.Source().Type(out).Dims(); len(dims) > 0 {
		value = vz.dst.Broadcast(value, dims...)
	}
	vz.store(value, out)
	return nil
}

func (vz *vectorizer) matmul(op *ir.Op) error {
	a, b, c := op.Operands[0], op.Operands[1], op.Operands[2]
	accDType := vz.r.Source().Type(c).DType()
	lhs, rhs, acc := vz.load(a), vz.load(b), vz.load(c)
	widen := accDType.IsFloat16()
	if widen {
		acc = vz.dst.Convert(acc, dtypes.Float32)
		vz.numWidened++
	}
	result := vz.dst.Matmul(lhs, rhs, acc)
	if widen {
		result = vz.dst.Convert(result, accDType)
	}
	vz.store(result, c)
	return nil
}
