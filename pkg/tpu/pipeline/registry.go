// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"maps"
	"slices"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/tpu/applyvector"
	"github.com/gomlx/mosaic/pkg/tpu/debugassert"
	"github.com/gomlx/mosaic/pkg/tpu/deviceid"
	"github.com/gomlx/mosaic/pkg/tpu/infermemref"
	"github.com/gomlx/mosaic/pkg/tpu/infervector"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/vectorize"
	"github.com/pkg/errors"
)

// State is the private state of the compilation of one function, shared by the passes run on it.
type State struct {
	// Layouts assigned by the vector layout inference, consumed (and dropped) by the vector layout
	// application.
	Layouts *layout.Assignment
}

// Pass transforms one function.
type Pass interface {
	Name() string
	Run(f *ir.Function, state *State) error
}

// Factory creates a pass configured with the given options.
type Factory func(opts Options) Pass

// funcPass implements Pass with a function.
type funcPass struct {
	name string
	run  func(f *ir.Function, state *State) error
}

func (p *funcPass) Name() string                           { return p.name }
func (p *funcPass) Run(f *ir.Function, state *State) error { return p.run(f, state) }

// NewPass creates a Pass from a function.
func NewPass(name string, run func(f *ir.Function, state *State) error) Pass {
	return &funcPass{name: name, run: run}
}

// Registry maps pass names to their factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with all the TPU passes registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.mustRegister(vectorize.PassName, func(opts Options) Pass {
		config := opts.Vectorize()
		return NewPass(vectorize.PassName, func(f *ir.Function, _ *State) error {
			return vectorize.Run(f, config)
		})
	})
	r.mustRegister(infermemref.PassName, func(opts Options) Pass {
		config := opts.InferMemRef()
		return NewPass(infermemref.PassName, func(f *ir.Function, _ *State) error {
			return infermemref.Run(f, config)
		})
	})
	r.mustRegister(infervector.PassName, func(opts Options) Pass {
		config := opts.InferVector()
		return NewPass(infervector.PassName, func(f *ir.Function, state *State) error {
			a, err := infervector.Run(f, config)
			if err != nil {
				return err
			}
			state.Layouts = a
			return nil
		})
	})
	r.mustRegister(applyvector.PassName, func(opts Options) Pass {
		config := opts.ApplyVector()
		return NewPass(applyvector.PassName, func(f *ir.Function, state *State) error {
			if state.Layouts == nil {
				return errors.Errorf("%s requires %s to run first", applyvector.PassName, infervector.PassName)
			}
			err := applyvector.Run(f, state.Layouts, config)
			state.Layouts = nil
			return err
		})
	})
	r.mustRegister(debugassert.PassName, func(opts Options) Pass {
		config := opts.DebugAssert()
		return NewPass(debugassert.PassName, func(f *ir.Function, _ *State) error {
			return debugassert.Run(f, config)
		})
	})
	r.mustRegister(deviceid.PassName, func(opts Options) Pass {
		totalDevices := opts.TotalDevices
		return NewPass(deviceid.PassName, func(f *ir.Function, _ *State) error {
			return deviceid.Run(f, totalDevices)
		})
	})
	return r
}

// Register a pass factory. It returns an error if the name is already registered.
func (r *Registry) Register(name string, factory Factory) error {
	if _, found := r.factories[name]; found {
		return errors.Errorf("pass %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) mustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Names of the registered passes, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

// Pass creates the pass registered with the given name.
func (r *Registry) Pass(name string, opts Options) (Pass, error) {
	factory, found := r.factories[name]
	if !found {
		return nil, errors.Errorf("unknown pass %q, registered passes are %q", name, r.Names())
	}
	return factory(opts), nil
}

// StandardPasses returns the names of the passes of the standard lowering, in order.
//
// The logical to physical device id translation is not part of it: it runs once the mesh is known.
func StandardPasses(opts Options) []string {
	names := []string{vectorize.PassName, infermemref.PassName, infervector.PassName, applyvector.PassName}
	if opts.DebugAsserts {
		names = append(names, debugassert.PassName)
	}
	return names
}
