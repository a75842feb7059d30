// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"runtime"

	"github.com/gomlx/mosaic/pkg/tpu/applyvector"
	"github.com/gomlx/mosaic/pkg/tpu/debugassert"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/divisibility"
	"github.com/gomlx/mosaic/pkg/tpu/infermemref"
	"github.com/gomlx/mosaic/pkg/tpu/infervector"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/vectorize"
)

// PassName used for the diagnostics of the pipeline itself (e.g.: invalid options).
const PassName = "pipeline"

// Options holds all compile-time parameters of the passes.
type Options struct {
	// HardwareGeneration the functions are compiled for, or infermemref.GenerationIndependent.
	HardwareGeneration int

	// LaneCount and SublaneCount describe the vregs.
	LaneCount, SublaneCount int

	// MXUContractingSize and MXUNonContractingSize are the matrix unit block sizes.
	MXUContractingSize, MXUNonContractingSize int

	// DivisibilityFuel bounds the proofs that dynamic indices are aligned.
	DivisibilityFuel int

	// TotalDevices in the mesh, used by the logical to physical device id translation.
	TotalDevices int

	// SupportsBF16ALU is set if bfloat16 elementwise arithmetic doesn't need to be widened to float32.
	SupportsBF16ALU bool

	// DebugAsserts appends the debug assert insertion to the standard passes.
	DebugAsserts bool

	// Parallelism is the number of functions compiled at the same time by CompileModule: 0 compiles them
	// sequentially, -1 all at the same time.
	Parallelism int
}

// DefaultOptions returns the generation independent options for the default target.
func DefaultOptions() Options {
	return Options{
		HardwareGeneration:    infermemref.GenerationIndependent,
		LaneCount:             layout.DefaultLaneCount,
		SublaneCount:          layout.DefaultSublaneCount,
		MXUContractingSize:    128,
		MXUNonContractingSize: 128,
		DivisibilityFuel:      divisibility.DefaultFuel,
		TotalDevices:          1,
		Parallelism:           runtime.NumCPU(),
	}
}

// ForGeneration returns the default options for the given hardware generation.
func ForGeneration(generation int) Options {
	o := DefaultOptions()
	o.HardwareGeneration = generation
	mxu := applyvector.ForGeneration(generation)
	o.MXUContractingSize, o.MXUNonContractingSize = mxu.MXUContractingSize, mxu.MXUNonContractingSize
	o.SupportsBF16ALU = vectorize.ForGeneration(generation).SupportsBF16ALU
	return o
}

// Validate the options: it returns a diag.InvalidConfig error for the first invalid option.
func (o Options) Validate() error {
	if err := o.InferMemRef().Validate(); err != nil {
		return err
	}
	if err := o.InferVector().Validate(); err != nil {
		return err
	}
	if err := o.ApplyVector().Validate(); err != nil {
		return err
	}
	if o.TotalDevices <= 0 {
		return diag.Errorf(PassName, diag.InvalidConfig, "total number of devices must be positive, got %d", o.TotalDevices)
	}
	return nil
}

// InferMemRef returns the configuration of the memref layout inference.
func (o Options) InferMemRef() infermemref.Config {
	return infermemref.Config{
		HardwareGeneration: o.HardwareGeneration,
		LaneCount:          o.LaneCount,
		SublaneCount:       o.SublaneCount,
	}
}

// InferVector returns the configuration of the vector layout inference.
func (o Options) InferVector() infervector.Config {
	return infervector.Config{
		LaneCount:        o.LaneCount,
		SublaneCount:     o.SublaneCount,
		DivisibilityFuel: o.DivisibilityFuel,
	}
}

// ApplyVector returns the configuration of the vector layout application.
func (o Options) ApplyVector() applyvector.Config {
	return applyvector.Config{
		HardwareGeneration:    o.HardwareGeneration,
		LaneCount:             o.LaneCount,
		SublaneCount:          o.SublaneCount,
		MXUContractingSize:    o.MXUContractingSize,
		MXUNonContractingSize: o.MXUNonContractingSize,
	}
}

// Vectorize returns the configuration of the linalg vectorization.
func (o Options) Vectorize() vectorize.Config {
	return vectorize.Config{SupportsBF16ALU: o.SupportsBF16ALU}
}

// DebugAssert returns the configuration of the debug assert insertion.
func (o Options) DebugAssert() debugassert.Config {
	return debugassert.Config{LaneCount: o.LaneCount, SublaneCount: o.SublaneCount}
}
