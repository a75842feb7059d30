// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package communication classifies operations with respect to inter-chip communication.
package communication

import (
	"github.com/gomlx/mosaic/pkg/core/ir"
)

// RemoteDeviceOperand returns the index of the operand holding the (logical) remote device id of op, and
// whether op has one set. Only DMAs and semaphore signals can target another device.
func RemoteDeviceOperand(op *ir.Op) (int, bool) {
	var idx int
	switch op.Type {
	case ir.OpTypeEnqueueDMA:
		idx = 3
	case ir.OpTypeSemaphoreSignal:
		idx = 2
	default:
		return 0, false
	}
	if idx >= len(op.Operands) || op.Operands[idx] == ir.NoValue {
		return 0, false
	}
	return idx, true
}

// MightCommunicateBetweenChips inspects op and returns whether it may move data (or signal) across chips,
// and whether its behavior is independent of the number of chips.
//
//   - DMAs and semaphore signals targeting a remote device communicate, and their behavior depends on the
//     device mesh.
//   - Reading the device id doesn't communicate, but its result depends on the number of chips.
//   - Everything else (including local DMAs and semaphore waits) is local and chip-count independent.
func MightCommunicateBetweenChips(op *ir.Op) (mightCommunicate, chipCountIndependent bool) {
	if _, remote := RemoteDeviceOperand(op); remote {
		return true, false
	}
	if op.Type == ir.OpTypeDeviceID {
		return false, false
	}
	return false, true
}

// Summary counts the operations of a function by communication class.
type Summary struct {
	Communicating, ChipCountDependent, Local int
}

// Summarize classifies all operations of f.
func Summarize(f *ir.Function) Summary {
	var s Summary
	for _, op := range f.Ops() {
		communicates, independent := MightCommunicateBetweenChips(op)
		switch {
		case communicates:
			s.Communicating++
		case !independent:
			s.ChipCountDependent++
		default:
			s.Local++
		}
	}
	return s
}
