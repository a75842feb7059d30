// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline sequences the TPU passes.
//
// Passes are looked up by name in an explicit Registry (see NewRegistry) and configured from one set of
// Options. A Pipeline compiles each function of a module independently: functions are compiled
// concurrently, each with its own private State, and a function is only replaced once all the passes
// succeeded on it.
package pipeline

import (
	"time"

	"github.com/gomlx/mosaic/internal/workerspool"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/communication"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pipeline is a sequence of passes.
type Pipeline struct {
	opts   Options
	passes []Pass
}

// New creates a pipeline with the named passes taken from the registry. If no names are given, it uses
// the StandardPasses.
func New(registry *Registry, opts Options, names ...string) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = StandardPasses(opts)
	}
	p := &Pipeline{opts: opts}
	for _, name := range names {
		pass, err := registry.Pass(name, opts)
		if err != nil {
			return nil, err
		}
		p.passes = append(p.passes, pass)
	}
	return p, nil
}

// Passes returns the names of the passes in the pipeline, in order.
func (p *Pipeline) Passes() []string {
	names := make([]string, len(p.passes))
	for ii, pass := range p.passes {
		names[ii] = pass.Name()
	}
	return names
}

// Run all passes on f, in order. It stops at the first failure, with the passes before it already applied.
// Use Compile to leave f unchanged on failure.
func (p *Pipeline) Run(f *ir.Function) error {
	state := &State{}
	for _, pass := range p.passes {
		start := time.Now()
		if err := pass.Run(f, state); err != nil {
			return errors.WithMessagef(err, "pipeline: function %q", f.Name())
		}
		klog.V(2).Infof("pipeline: %q: %s took %s, %d ops", f.Name(), pass.Name(), time.Since(start), f.NumOps())
	}
	return nil
}

// FunctionReport is the outcome of the compilation of one function.
type FunctionReport struct {
	Name string

	// Err is nil if the function compiled successfully.
	Err error

	// NumOpsBefore and NumOpsAfter the compilation. NumOpsAfter is the same if it failed.
	NumOpsBefore, NumOpsAfter int

	// Communication of the compiled function.
	Communication communication.Summary

	Elapsed time.Duration
}

// Report of a CompileModule.
type Report struct {
	// RunID identifies the compilation in the logs.
	RunID     uuid.UUID
	Module    string
	Functions []FunctionReport
}

// Err returns nil if all functions compiled, or the first error otherwise.
func (r *Report) Err() error {
	var (
		first     error
		numFailed int
	)
	for _, fr := range r.Functions {
		if fr.Err != nil {
			if first == nil {
				first = fr.Err
			}
			numFailed++
		}
	}
	if first == nil {
		return nil
	}
	return errors.WithMessagef(first, "module %q: %d of %d functions failed to compile, first error", r.Module,
		numFailed, len(r.Functions))
}

// Compile runs the pipeline on a copy of f, and returns it. f itself is not changed.
func (p *Pipeline) Compile(f *ir.Function) (*ir.Function, error) {
	compiled := f.Clone()
	if err := p.Run(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// CompileModule compiles all functions of the module concurrently (up to Options.Parallelism at a time).
//
// Each function that compiled successfully is replaced in m. The ones that failed are left unchanged, and
// their errors are reported: use Report.Err to check for failures.
func (p *Pipeline) CompileModule(m *ir.Module) *Report {
	report := &Report{
		RunID:     uuid.New(),
		Module:    m.Name,
		Functions: make([]FunctionReport, len(m.Functions)),
	}
	klog.V(1).Infof("pipeline[%s]: compiling module %q: %d functions, passes %q", report.RunID, m.Name,
		len(m.Functions), p.Passes())
	start := time.Now()
	pool := workerspool.New().SetMaxParallelism(p.opts.Parallelism)
	pool.Run(len(m.Functions), func(ii int) {
		f := m.Functions[ii]
		fr := &report.Functions[ii]
		fr.Name = f.Name()
		fr.NumOpsBefore = f.NumOps()
		fr.NumOpsAfter = fr.NumOpsBefore
		fnStart := time.Now()
		compiled, err := p.Compile(f)
		fr.Elapsed = time.Since(fnStart)
		if err != nil {
			fr.Err = err
			fr.Communication = communication.Summarize(f)
			klog.Warningf("pipeline[%s]: function %q failed: %v", report.RunID, f.Name(), err)
			return
		}
		m.Functions[ii] = compiled
		fr.NumOpsAfter = compiled.NumOps()
		fr.Communication = communication.Summarize(compiled)
		klog.V(1).Infof("pipeline[%s]: function %q compiled in %s", report.RunID, f.Name(), fr.Elapsed)
	})
	klog.V(1).Infof("pipeline[%s]: module %q compiled in %s", report.RunID, m.Name, time.Since(start))
	return report
}
