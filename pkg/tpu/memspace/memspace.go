// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memspace propagates memory space tags across memory references sharing the same buffer.
package memspace

import (
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/sets"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics.
const PassName = "memory-space"

// Specialize changes the memory space of the memref value v to space, and propagates it to every
// memref aliasing the same buffer: forward to the views created from it, and backward to the memrefs
// it is a view of. Memory space casts are boundaries: propagation doesn't cross them.
//
// If any of the aliasing memrefs already has a different (not ir.MemorySpaceAny) memory space, a
// diag.MemorySpaceConflict is returned and nothing is changed.
func Specialize(f *ir.Function, v ir.ValueID, space ir.MemorySpace) error {
	t := f.Type(v)
	if !t.IsMemRef() {
		return errors.Errorf("memory space of %%%d can't be specialized: it is not a memref, it is a %s", v, t)
	}
	if space == ir.MemorySpaceAny {
		return errors.Errorf("memory space of %%%d can't be specialized to %s", v, space)
	}
	aliases := Aliases(f, v, f.ComputeUses())
	for _, alias := range aliases {
		current := f.Type(alias).MemorySpace
		if current != ir.MemorySpaceAny && current != space {
			return diag.ValueErrorf(PassName, diag.MemorySpaceConflict, alias,
				"memref %s aliased by %%%d can't be specialized to %s", f.Type(alias), v, space)
		}
	}
	for _, alias := range aliases {
		f.SetType(alias, f.Type(alias).WithMemorySpace(space))
	}
	klog.V(2).Infof("%s: %q: specialized %d memrefs aliasing %%%d to %s", PassName, f.Name(), len(aliases), v, space)
	return nil
}

// Aliases returns all memrefs sharing the buffer of v (including v itself) without crossing a memory space
// cast, sorted by value id. uses is the output of f.ComputeUses().
//
// It is a worklist over the view edges: each value is visited once, so each edge is followed at most once in
// each direction.
func Aliases(f *ir.Function, v ir.ValueID, uses [][]ir.Use) []ir.ValueID {
	visited := sets.MakeWith(v)
	worklist := []ir.ValueID{v}
	push := func(next ir.ValueID) {
		if visited.InsertNew(next) {
			worklist = append(worklist, next)
		}
	}
	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		// Backward: the source of a view.
		if op := f.DefiningOp(current); op != nil && ir.MemRefViewOperations.Has(op.Type) {
			push(op.Operands[0])
		}

		// Forward: views of current.
		for _, use := range uses[current] {
			op := f.Op(use.Op)
			if use.Index == 0 && ir.MemRefViewOperations.Has(op.Type) {
				push(op.Result())
			}
		}
	}
	return sets.Sorted(visited)
}

// MemRefType returns the type of the memref v, with its tiled layout recovered if it was erased (or never
// set) on v but is known for the memref v is a view of.
func MemRefType(f *ir.Function, v ir.ValueID) ir.Type {
	t := f.Type(v)
	if !t.IsMemRef() || t.Tiling != nil {
		return t
	}
	op := f.DefiningOp(v)
	if op == nil {
		return t
	}
	var source ir.Type
	switch op.Type {
	case ir.OpTypeMemRefSlice, ir.OpTypeMemRefSqueeze, ir.OpTypeMemRefReshape, ir.OpTypeMemorySpaceCast:
		source = MemRefType(f, op.Operands[0])
	default:
		return t
	}
	if source.Tiling == nil || !source.IsRowMajor() || len(source.Tiling) > t.Rank() {
		return t
	}
	if op.Type == ir.OpTypeMemRefReshape && !ir.ReshapeKeepsTiling(source.Dims(), t.Dims(), source.Tiling) {
		return t
	}
	return t.WithTiling(source.Tiling)
}
