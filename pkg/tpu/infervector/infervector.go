// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package infervector assigns a layout.VectorLayout to every vector value of a function, and the layout
// required by every use of a vector value.
//
// The inference is a fixed point over the function:
//
//   - A forward sweep, in program order, computes the layout of the results of each operation from the
//     layouts of its operands (joining them with layout.Target.Join where they must agree), and the layout
//     each operation requires of its operands. Function parameters, loads and stores are the seeds: their
//     layouts are fixed by the function interface and by the memory layout and indices of the access.
//   - A backward sweep lets "flexible" values (splat constants, broadcasts of scalars and values computed
//     only from them) adopt the tiling required by their first use, so they can be materialized directly
//     in the layout their consumer needs.
//
// Both sweeps repeat until no layout changes. Everything is visited in program order, so the result is
// deterministic.
package infervector

import (
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/divisibility"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "infer-vector-layout"

// Config of the pass.
type Config struct {
	LaneCount, SublaneCount int

	// DivisibilityFuel bounds the divisibility proofs of dynamic indices.
	DivisibilityFuel int
}

// DefaultConfig returns the configuration for the default vreg geometry.
func DefaultConfig() Config {
	return Config{
		LaneCount:        layout.DefaultLaneCount,
		SublaneCount:     layout.DefaultSublaneCount,
		DivisibilityFuel: divisibility.DefaultFuel,
	}
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
	if c.DivisibilityFuel < 0 {
		return diag.Errorf(PassName, diag.InvalidConfig, "negative divisibility fuel %d", c.DivisibilityFuel)
	}
	return nil
}

// inference holds the state of one invocation of the pass.
type inference struct {
	f      *ir.Function
	config Config
	target layout.Target
	div    *divisibility.Analysis
	uses   [][]ir.Use

	// layouts and flexible are indexed by ValueID. A zero layout means not assigned.
	layouts  []layout.VectorLayout
	flexible []bool

	required map[ir.Use]layout.VectorLayout
	outputs  map[int]layout.VectorLayout

	changed bool
}

// Run infers the layouts of the vector values of f. It doesn't modify f.
//
// It returns a diag.LayoutConflict if the layouts required for a value can't be joined, and a
// diag.Unsupported for operations (or indices) that can't be laid out.
func Run(f *ir.Function, config Config) (*layout.Assignment, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	inf := &inference{
		f:        f,
		config:   config,
		target:   config.Target(),
		div:      divisibility.New(f),
		uses:     f.ComputeUses(),
		layouts:  make([]layout.VectorLayout, f.NumValues()),
		flexible: make([]bool, f.NumValues()),
		required: make(map[ir.Use]layout.VectorLayout),
		outputs:  make(map[int]layout.VectorLayout),
	}
	if err := inf.seedParameters(); err != nil {
		return nil, err
	}
	maxIterations := f.NumOps() + 2
	var iteration int
	for iteration = 0; iteration < maxIterations; iteration++ {
		inf.changed = false
		if err := inf.forward(); err != nil {
			return nil, err
		}
		inf.backward()
		if !inf.changed {
			break
		}
	}
	if iteration == maxIterations {
		return nil, diag.Errorf(PassName, diag.LayoutConflict, "function %q: layouts didn't converge after %d iterations",
			f.Name(), maxIterations)
	}
	klog.V(1).Infof("%s: %q: converged after %d iterations", PassName, f.Name(), iteration+1)
	return inf.assignment(), nil
}

func (inf *inference) seedParameters() error {
	for _, p := range inf.f.Parameters() {
		t := inf.f.Type(p)
		if !t.IsVector() {
			continue
		}
		l, err := inf.native(t)
		if err != nil {
			return diag.ValueErrorf(PassName, diag.Unsupported, p, "parameter of type %s: %v", t, err)
		}
		inf.setResult(p, l)
	}
	return nil
}

func (inf *inference) forward() error {
	for _, op := range inf.f.Ops() {
		if err := inf.infer(op); err != nil {
			return err
		}
		for _, r := range op.Results {
			if inf.f.Type(r).IsVector() && inf.layouts[r].IsZero() {
				return diag.OpErrorf(PassName, diag.Unsupported, op, "no layout for the result of %s", op.Type)
			}
		}
	}
	for ii, r := range inf.f.Results() {
		t := inf.f.Type(r)
		if !t.IsVector() {
			continue
		}
		l, err := inf.native(t)
		if err != nil {
			return diag.ValueErrorf(PassName, diag.Unsupported, r, "function result #%d: %v", ii, err)
		}
		if current, found := inf.outputs[ii]; !found || current != l {
			inf.outputs[ii] = l
			inf.changed = true
		}
	}
	return nil
}

// backward lets flexible values adopt the tiling and implicit dimension required by their first use.
func (inf *inference) backward() {
	results := inf.f.Results()
	for v, isFlexible := range inf.flexible {
		if !isFlexible {
			continue
		}
		required, found := inf.firstRequired(ir.ValueID(v), results)
		if !found {
			continue
		}
		current := inf.layouts[v]
		adopted := layout.VectorLayout{
			Bitwidth:    current.Bitwidth,
			Offsets:     current.Offsets,
			Tiling:      required.Tiling,
			ImplicitDim: required.ImplicitDim,
			MemorySpace: current.MemorySpace,
		}
		if adopted != current && inf.target.CheckLayout(adopted, inf.f.Type(ir.ValueID(v)).Dims()) == nil {
			inf.layouts[v] = adopted
			inf.changed = true
		}
	}
}

func (inf *inference) firstRequired(v ir.ValueID, results []ir.ValueID) (layout.VectorLayout, bool) {
	for _, use := range inf.uses[v] {
		if l, found := inf.required[use]; found {
			return l, true
		}
	}
	for ii, r := range results {
		if r == v {
			if l, found := inf.outputs[ii]; found {
				return l, true
			}
		}
	}
	return layout.VectorLayout{}, false
}

func (inf *inference) assignment() *layout.Assignment {
	a := layout.NewAssignment()
	for v, l := range inf.layouts {
		if !l.IsZero() {
			a.SetResult(ir.ValueID(v), l)
		}
	}
	for use, l := range inf.required {
		a.SetOperand(use.Op, use.Index, l)
	}
	for ii, l := range inf.outputs {
		a.SetOutput(ii, l)
	}
	return a
}

// setResult sets the layout of a non-flexible value.
func (inf *inference) setResult(v ir.ValueID, l layout.VectorLayout) {
	if inf.layouts[v] != l {
		inf.layouts[v] = l
		inf.changed = true
	}
}

// setFlexible sets the layout of a flexible value, only if it doesn't have one yet: once assigned, a
// flexible layout is only changed by the backward sweep.
func (inf *inference) setFlexible(v ir.ValueID, l layout.VectorLayout) {
	inf.flexible[v] = true
	if inf.layouts[v].IsZero() {
		inf.layouts[v] = l
		inf.changed = true
	}
}

// require sets the layout required for operand #index of op.
func (inf *inference) require(op *ir.Op, index int, l layout.VectorLayout) {
	use := ir.Use{Op: op.ID(), Index: index}
	if current, found := inf.required[use]; !found || current != l {
		inf.required[use] = l
		inf.changed = true
	}
}
