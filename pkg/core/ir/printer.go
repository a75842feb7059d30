// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"
)

// String pretty-prints the function, one operation per line. E.g.:
//
//	func @kernel(%0: vector<8x128xFloat32>, %1: vector<8x128xFloat32>) {
//	  %2 = add %0, %1 : vector<8x128xFloat32>
//	  return %2
//	}
func (f *Function) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "func @%s(", f.name)
	for ii, p := range f.parameters {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%%%d: %s", p, f.values[p].typ)
	}
	sb.WriteString(") {\n")
	for _, id := range f.order {
		sb.WriteString("  ")
		sb.WriteString(f.OpString(f.ops[id]))
		sb.WriteString("\n")
	}
	sb.WriteString("  return")
	for ii, r := range f.results {
		if ii > 0 {
			sb.WriteString(",")
		}
		_, _ = fmt.Fprintf(&sb, " %%%d", r)
	}
	sb.WriteString("\n}\n")
	return sb.String()
}

// OpString returns the textual form of one operation of f.
func (f *Function) OpString(op *Op) string {
	var sb strings.Builder
	if len(op.Results) > 0 {
		for ii, r := range op.Results {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%%%d", r)
		}
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Type.String())
	for ii, operand := range op.Operands {
		if ii > 0 {
			sb.WriteString(",")
		}
		if operand == NoValue {
			sb.WriteString(" _")
		} else {
			_, _ = fmt.Fprintf(&sb, " %%%d", operand)
		}
	}
	if op.Data != nil {
		if s, ok := op.Data.(fmt.Stringer); ok {
			_, _ = fmt.Fprintf(&sb, " {%s}", s)
		} else {
			_, _ = fmt.Fprintf(&sb, " {%+v}", op.Data)
		}
	}
	if len(op.Results) > 0 {
		sb.WriteString(" : ")
		// Multi-result ops (unrolled vregs) often have many results of the same type: print it once.
		first := f.values[op.Results[0]].typ
		sameType := true
		for _, r := range op.Results[1:] {
			if !f.values[r].typ.Equal(first) {
				sameType = false
				break
			}
		}
		if sameType {
			sb.WriteString(first.String())
		} else {
			for ii, r := range op.Results {
				if ii > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(f.values[r].typ.String())
			}
		}
	}
	return sb.String()
}
