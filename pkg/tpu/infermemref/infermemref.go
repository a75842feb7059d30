// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package infermemref assigns tiled layouts (and memory spaces) to the memory references of a function.
//
// The tiles of a memref cover its physical trailing axes (following the MinorToMajor order of its type),
// and are chosen from per hardware generation tables: tall memrefs of packed types use large tiles
// (one full vreg per tile) on the generations that support them, and short memrefs use the smallest
// power of 2 of rows that covers them, to reduce padding.
package infermemref

import (
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/gomlx/mosaic/pkg/tpu/layout"
	"github.com/gomlx/mosaic/pkg/tpu/memspace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "infer-memref-layout"

// GenerationIndependent is the hardware generation used when none is given.
const GenerationIndependent = -1

// Config of the pass.
type Config struct {
	// HardwareGeneration selects the tile tables. Use GenerationIndependent for defaults that work on every
	// generation.
	HardwareGeneration int

	LaneCount, SublaneCount int
}

// DefaultConfig returns the generation independent configuration for the default vreg geometry.
func DefaultConfig() Config {
	return Config{
		HardwareGeneration: GenerationIndependent,
		LaneCount:          layout.DefaultLaneCount,
		SublaneCount:       layout.DefaultSublaneCount,
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
	if c.HardwareGeneration < GenerationIndependent {
		return diag.Errorf(PassName, diag.InvalidConfig, "invalid hardware generation %d", c.HardwareGeneration)
	}
	return nil
}

// largeTileRows returns the number of rows of the tiles of tall memrefs.
func (c Config) largeTileRows(bitwidth int) int {
	packing := 32 / bitwidth
	if c.HardwareGeneration == GenerationIndependent || c.HardwareGeneration >= 6 {
		return c.SublaneCount * packing
	}
	return c.SublaneCount
}

// minTileRows is the smallest number of tile rows a generation can address for the bitwidth.
func (c Config) minTileRows(bitwidth int) int {
	packing := 32 / bitwidth
	if c.HardwareGeneration != GenerationIndependent && c.HardwareGeneration < 4 {
		return 2 * packing
	}
	return packing
}

// TileRows returns the number of rows of the tiles of a memref whose physical second minor axis has rows
// elements of the given bitwidth.
func (c Config) TileRows(bitwidth, rows int) int {
	large := c.largeTileRows(bitwidth)
	if rows >= large {
		return large
	}
	tile := xslices.NextPowerOf2(min(rows, c.SublaneCount))
	return min(max(tile, c.minTileRows(bitwidth)), large)
}

// Tiling returns the tiling of an untiled memref type, or nil if it is not tiled (element types that don't
// fit a vreg, scalar memory).
func (c Config) Tiling(t ir.Type) []int {
	bitwidth, ok := layout.BitwidthOf(t.DType())
	if !ok || t.Rank() == 0 || t.MemorySpace == ir.MemorySpaceSMEM {
		return nil
	}
	if t.Rank() == 1 {
		return []int{c.LaneCount * (32 / bitwidth)}
	}
	axes := t.PhysicalAxes()
	rows := t.Dims()[axes[len(axes)-2]]
	return []int{c.TileRows(bitwidth, rows), c.LaneCount}
}

// CheckTiling returns an error if the existing tiling of t is not legal for the configuration.
func (c Config) CheckTiling(t ir.Type) error {
	tiling := t.Tiling
	bitwidth, ok := layout.BitwidthOf(t.DType())
	if !ok {
		return errors.Errorf("%s can't be tiled", t)
	}
	if len(tiling) == 0 || len(tiling) > 2 || len(tiling) > t.Rank() {
		return errors.Errorf("invalid tiling %v for %s", tiling, t)
	}
	if len(tiling) == 1 {
		if tiling[0] <= 0 || tiling[0]%c.LaneCount != 0 {
			return errors.Errorf("1D tiling %v of %s is not a multiple of %d lanes",
				tiling, t, c.LaneCount)
		}
		return nil
	}
	if err := c.Target().CheckTiling(bitwidth, [2]int{tiling[0], tiling[1]}); err != nil {
		return errors.Errorf("tiling of %s: %v", t, err)
	}
	axes := t.PhysicalAxes()
	minor := t.Dims()[axes[len(axes)-1]]
	if tiling[1] != c.LaneCount && tiling[1] < minor {
		return errors.Errorf(
			"tiling of %s: lane tile dimension must be %d unless the minor dimension is smaller", t, c.LaneCount)
	}
	if tiling[0] < c.minTileRows(bitwidth) {
		return errors.Errorf(
			"tiling of %s: generation %d requires at least %d tile rows", t, c.HardwareGeneration, c.minTileRows(bitwidth))
	}
	return nil
}

// Run assigns tiled layouts to the memref parameters and allocations of f, and propagates them to their
// views. Allocations without a memory space are placed in VMEM.
//
// Memrefs that already have a tiling keep it, if it is legal. Otherwise, a diag.IncompatibleConstraint
// is returned. On error f is left unchanged.
func Run(f *ir.Function, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	// Work on a clone, and only copy the types back if everything succeeds.
	work := f.Clone()
	var roots []ir.ValueID
	for _, p := range work.Parameters() {
		if work.Type(p).IsMemRef() {
			roots = append(roots, p)
		}
	}
	for _, op := range work.Ops() {
		if op.Type == ir.OpTypeAlloca && work.Type(op.Result()).IsMemRef() {
			roots = append(roots, op.Result())
		}
	}

	var numTiled int
	for _, v := range roots {
		t := work.Type(v)
		if t.Tiling != nil {
			if err := config.CheckTiling(t); err != nil {
				return diag.ValueErrorf(PassName, diag.IncompatibleConstraint, v, "existing %v", err)
			}
		} else if tiling := config.Tiling(t); tiling != nil {
			work.SetType(v, t.WithTiling(tiling))
			numTiled++
		}
		if op := work.DefiningOp(v); op != nil && work.Type(v).MemorySpace == ir.MemorySpaceAny {
			if err := memspace.Specialize(work, v, ir.MemorySpaceVMEM); err != nil {
				return err
			}
		}
	}

	// Views inherit the tiling of their source, if the view keeps it.
	for _, op := range work.Ops() {
		switch op.Type {
		case ir.OpTypeMemRefSlice, ir.OpTypeMemRefSqueeze, ir.OpTypeMemRefReshape, ir.OpTypeMemorySpaceCast:
			v := op.Result()
			if work.Type(v).Tiling == nil {
				if tiling := memspace.MemRefType(work, v).Tiling; tiling != nil {
					work.SetType(v, work.Type(v).WithTiling(tiling))
				}
			}
		}
	}

	for v := range ir.ValueID(work.NumValues()) {
		f.SetType(v, work.Type(v))
	}
	klog.V(1).Infof("%s: %q: tiled %d memrefs (generation %d)", PassName, f.Name(), numTiled, config.HardwareGeneration)
	return nil
}
