// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package deviceid rewrites the logical device ids targeted by inter-chip operations (remote DMAs and
// semaphore signals) into physical device ids.
//
// Devices are arranged in a near-square 2-D mesh of rows x cols devices, with physical ids assigned in
// row-major order. Logical ids follow a "snake" through the mesh: even rows left to right, odd rows right
// to left. So consecutive logical ids are always neighbors in the mesh, and a logical ring is a physical
// ring (up to the wrap-around link).
//
// The mapping only depends on the total number of devices: every device participating in a collective
// program computes the same one.
package deviceid

import (
	"slices"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/gomlx/mosaic/pkg/support/xslices"
	"github.com/gomlx/mosaic/pkg/tpu/communication"
	"github.com/gomlx/mosaic/pkg/tpu/diag"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName used in diagnostics and in the pass registry.
const PassName = "logical-to-physical-device-id"

// MeshShape returns the rows and columns of the device mesh for totalDevices: rows is the largest divisor
// of totalDevices not larger than its square root.
func MeshShape(totalDevices int) (rows, cols int, err error) {
	if totalDevices <= 0 {
		return 0, 0, diag.Errorf(PassName, diag.InvalidConfig, "total number of devices must be positive, got %d",
			totalDevices)
	}
	rows = 1
	for r := 2; r*r <= totalDevices; r++ {
		if totalDevices%r == 0 {
			rows = r
		}
	}
	return rows, totalDevices / rows, nil
}

// Remap returns the physical id of each logical device id in [0, totalDevices).
// It is a bijection over [0, totalDevices).
func Remap(totalDevices int) ([]int, error) {
	_, cols, err := MeshShape(totalDevices)
	if err != nil {
		return nil, err
	}
	physical := make([]int, totalDevices)
	for logical := range physical {
		row, col := logical/cols, logical%cols
		if row%2 == 1 {
			col = cols - 1 - col
		}
		physical[logical] = row*cols + col
	}
	return physical, nil
}

// rewrite holds the state of one invocation of the pass.
type rewrite struct {
	r            *ir.Rewriter
	totalDevices int
	physical     []int

	// tables hold the remap table in scalar memory, per dtype of the device ids.
	tables map[dtypes.DType]ir.ValueID

	// translated caches the physical id of each logical device id value.
	translated map[ir.ValueID]ir.ValueID

	numFolded, numLookups int
}

// Run rewrites the remote device ids of the inter-chip operations of f, for a system of totalDevices
// devices.
//
// Constant device ids are folded. Dynamic ones are translated by loading from a table of physical ids in
// scalar memory (SMEM). It returns a diag.InvalidConfig error, leaving f unchanged, if totalDevices is not
// positive, and a diag.Unsupported error if a constant device id is out of range.
func Run(f *ir.Function, totalDevices int) error {
	physical, err := Remap(totalDevices)
	if err != nil {
		return err
	}
	rw := &rewrite{
		r:            ir.NewRewriter(f),
		totalDevices: totalDevices,
		physical:     physical,
		tables:       make(map[dtypes.DType]ir.ValueID),
		translated:   make(map[ir.ValueID]ir.ValueID),
	}
	for _, op := range f.Ops() {
		operand, remote := communication.RemoteDeviceOperand(op)
		if !remote {
			rw.r.Clone(op)
			continue
		}
		operands := rw.r.LookupAll(op.Operands)
		operands[operand], err = rw.translate(op, op.Operands[operand])
		if err != nil {
			return err
		}
		rw.r.Dst.AddOp(op.Type, op.Data, nil, operands...)
	}
	if err := rw.r.Commit(); err != nil {
		return errors.WithMessagef(err, "%s: function %q", PassName, f.Name())
	}
	klog.V(1).Infof("%s: %q: %d devices, %d device ids folded, %d looked up", PassName, f.Name(), totalDevices,
		rw.numFolded, rw.numLookups)
	return nil
}

// translate returns the physical device id value for the logical device id v.
func (rw *rewrite) translate(op *ir.Op, v ir.ValueID) (ir.ValueID, error) {
	if physical, found := rw.translated[v]; found {
		return physical, nil
	}
	src, dst := rw.r.Source(), rw.r.Dst
	t := src.Type(v)
	var physical ir.ValueID
	if logical, ok := ir.ConstantInt(src, v); ok {
		if logical < 0 || logical >= int64(rw.totalDevices) {
			return ir.NoValue, diag.OpErrorf(PassName, diag.Unsupported, op, "device id %d out of range for %d devices",
				logical, rw.totalDevices)
		}
		physical = dst.Constant(t, float64(rw.physical[logical]))
		rw.numFolded++
	} else {
		physical = dst.Load(rw.table(t), nil, rw.r.Lookup(v))
		rw.numLookups++
	}
	rw.translated[v] = physical
	return physical, nil
}

// table returns the memory reference holding the remap table, with elements of the type of the device ids.
func (rw *rewrite) table(t ir.Type) ir.ValueID {
	if table, found := rw.tables[t.DType()]; found {
		return table
	}
	values := xslices.Map(rw.physical, func(id int) float64 { return float64(id) })
	table := rw.r.Dst.ConstantTable(t.DType(), ir.MemorySpaceSMEM, values)
	rw.tables[t.DType()] = table
	return table
}

// IsBijection returns whether ids is a permutation of [0, len(ids)).
func IsBijection(ids []int) bool {
	sorted := slices.Sorted(slices.Values(ids))
	for ii, id := range sorted {
		if id != ii {
			return false
		}
	}
	return true
}
