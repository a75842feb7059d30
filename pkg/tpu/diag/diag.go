// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diag defines the diagnostics (errors) reported by the TPU passes.
//
// Every pass failure is a *Error with a Kind, and optionally the operation and value it is attached to.
// Errors can be wrapped with github.com/pkg/errors: use KindOf or Is to inspect them.
package diag

import (
	"fmt"

	"github.com/gomlx/mosaic/pkg/core/ir"
	"github.com/pkg/errors"
)

// Kind of diagnostic.
type Kind int

const (
	// KindInvalid is returned by KindOf for errors that are not diagnostics.
	KindInvalid Kind = iota

	// LayoutConflict is reported when the layouts required by the uses of a value can't be joined.
	LayoutConflict

	// IncompatibleConstraint is reported when a pre-existing constraint (e.g.: a memory tiling) is not legal
	// for the target.
	IncompatibleConstraint

	// Unsupported is reported for operations (or shapes, or indices) the lowering doesn't handle.
	Unsupported

	// InvalidConfig is reported for invalid pass options.
	InvalidConfig

	// MemorySpaceConflict is reported when two different memory spaces are required for the same buffer.
	MemorySpaceConflict
)

var kindNames = []string{"invalid", "layout conflict", "incompatible constraint", "unsupported",
	"invalid config", "memory space conflict"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a diagnostic reported by a pass.
type Error struct {
	Kind Kind

	// Pass that reported the error.
	Pass string

	// Op and Value the diagnostic is attached to, ir.NoOp and ir.NoValue if not applicable.
	Op    ir.OpID
	Value ir.ValueID

	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Value != ir.NoValue {
		msg = fmt.Sprintf("%%%d: %s", e.Value, msg)
	}
	if e.Op != ir.NoOp {
		msg = fmt.Sprintf("op #%d: %s", e.Op, msg)
	}
	if e.Pass != "" {
		msg = fmt.Sprintf("%s: %s", e.Pass, msg)
	}
	return msg
}

// Errorf creates a diagnostic not attached to any operation or value.
func Errorf(pass string, kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Pass: pass, Op: ir.NoOp, Value: ir.NoValue, Msg: fmt.Sprintf(format, args...)})
}

// OpErrorf creates a diagnostic attached to an operation.
func OpErrorf(pass string, kind Kind, op *ir.Op, format string, args ...any) error {
	e := &Error{Kind: kind, Pass: pass, Op: ir.NoOp, Value: ir.NoValue, Msg: fmt.Sprintf(format, args...)}
	if op != nil {
		e.Op = op.ID()
	}
	return errors.WithStack(e)
}

// ValueErrorf creates a diagnostic attached to a value.
func ValueErrorf(pass string, kind Kind, value ir.ValueID, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Pass: pass, Op: ir.NoOp, Value: value, Msg: fmt.Sprintf(format, args...)})
}

// KindOf returns the Kind of the diagnostic wrapped in err, or KindInvalid if err is not a diagnostic.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}

// Is returns whether err wraps a diagnostic of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
