// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/mosaic/pkg/core/ir"
)

// Assignment is the side-table of layouts inferred for a function: the layout of every vector value, and
// the layout required by every use of a vector value as an operand, or as a result of the function.
//
// The required layout of an operand may differ from the layout of the value used: the difference is
// resolved by a relayout when the layouts are applied.
type Assignment struct {
	results  map[ir.ValueID]VectorLayout
	operands map[ir.Use]VectorLayout

	// outputs holds the layouts required for the function results, by result index.
	outputs map[int]VectorLayout
}

// NewAssignment creates an empty Assignment.
func NewAssignment() *Assignment {
	return &Assignment{
		results:  make(map[ir.ValueID]VectorLayout),
		operands: make(map[ir.Use]VectorLayout),
		outputs:  make(map[int]VectorLayout),
	}
}

// SetResult sets the layout of the vector value v.
func (a *Assignment) SetResult(v ir.ValueID, l VectorLayout) { a.results[v] = l }

// Result returns the layout of the vector value v.
func (a *Assignment) Result(v ir.ValueID) (VectorLayout, bool) {
	l, found := a.results[v]
	return l, found
}

// SetOperand sets the layout required for the operand #index of op.
func (a *Assignment) SetOperand(op ir.OpID, index int, l VectorLayout) {
	a.operands[ir.Use{Op: op, Index: index}] = l
}

// Operand returns the layout required for the operand #index of op.
func (a *Assignment) Operand(op ir.OpID, index int) (VectorLayout, bool) {
	l, found := a.operands[ir.Use{Op: op, Index: index}]
	return l, found
}

// SetOutput sets the layout required for the function result #index.
func (a *Assignment) SetOutput(index int, l VectorLayout) { a.outputs[index] = l }

// Output returns the layout required for the function result #index.
func (a *Assignment) Output(index int) (VectorLayout, bool) {
	l, found := a.outputs[index]
	return l, found
}

// NumResults returns the number of vector values with an assigned layout.
func (a *Assignment) NumResults() int { return len(a.results) }

// NumOperands returns the number of operand uses with a required layout.
func (a *Assignment) NumOperands() int { return len(a.operands) }

// Equal returns whether both assignments hold exactly the same layouts.
func (a *Assignment) Equal(other *Assignment) bool {
	return maps.Equal(a.results, other.results) && maps.Equal(a.operands, other.operands) &&
		maps.Equal(a.outputs, other.outputs)
}

// Mismatches returns the operand uses whose required layout differs from the layout of the value used,
// in a deterministic order. Function results are reported as uses by ir.NoOp.
func (a *Assignment) Mismatches(f *ir.Function) []ir.Use {
	var uses []ir.Use
	for use, required := range a.operands {
		v := f.Op(use.Op).Operands[use.Index]
		if l, found := a.results[v]; !found || l != required {
			uses = append(uses, use)
		}
	}
	results := f.Results()
	for index, required := range a.outputs {
		if l, found := a.results[results[index]]; !found || l != required {
			uses = append(uses, ir.Use{Op: ir.NoOp, Index: index})
		}
	}
	slices.SortFunc(uses, compareUses)
	return uses
}

func compareUses(a, b ir.Use) int {
	if c := cmp.Compare(a.Op, b.Op); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

// String lists the layouts, sorted by value and operation ids.
func (a *Assignment) String() string {
	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Keys(a.results)) {
		_, _ = fmt.Fprintf(&sb, "%%%d: %s\n", v, a.results[v])
	}
	for _, use := range slices.SortedFunc(maps.Keys(a.operands), compareUses) {
		_, _ = fmt.Fprintf(&sb, "op #%d operand #%d: %s\n", use.Op, use.Index, a.operands[use])
	}
	for _, index := range slices.Sorted(maps.Keys(a.outputs)) {
		_, _ = fmt.Fprintf(&sb, "result #%d: %s\n", index, a.outputs[index])
	}
	return sb.String()
}
