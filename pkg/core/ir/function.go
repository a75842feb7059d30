// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir implements a small arena-based intermediate representation of tensor programs on
// vectors and memory references.
//
// A Function owns all its values and operations: values are identified by a ValueID and operations
// by an OpID, both indices in the function arenas. Analyses and transformations never store pointers
// into a Function: they keep their own state in side-tables keyed by ValueID or OpID.
//
// Operations are kept in program order, and an operation only uses values defined before it
// (parameters or results of earlier operations), so the program order is a natural DAG ordering.
//
// Builder methods (see builder.go) panic (with github.com/gomlx/exceptions) on invalid inputs,
// use Build to convert those panics to errors.
package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ValueID identifies a value in a Function. It is the index in the Function's value arena.
type ValueID int

// OpID identifies an operation in a Function. It is the index in the Function's operation arena.
type OpID int

const (
	// NoValue is used for optional operands that are not present.
	NoValue ValueID = -1

	// NoOp is the "defining op" of function parameters.
	NoOp OpID = -1
)

// Op is one operation of a Function.
type Op struct {
	id OpID

	Type     OpType
	Operands []ValueID
	Results  []ValueID

	// Data holds the operation type specific attributes, e.g.: ReduceData for OpTypeReduce.
	Data any
}

// ID returns the operation id, its index in the Function arena.
func (op *Op) ID() OpID { return op.id }

// Result returns the only result of the operation. It panics if the operation doesn't have exactly one result.
func (op *Op) Result() ValueID {
	if len(op.Results) != 1 {
		exceptions.Panicf("op #%d (%s) has %d results, expected exactly one", op.id, op.Type, len(op.Results))
	}
	return op.Results[0]
}

// Use is one use of a value: the operand #Index of operation Op.
type Use struct {
	Op    OpID
	Index int
}

type valueInfo struct {
	typ       Type
	def       OpID
	resultIdx int
}

// Function is a list of operations over values, with parameters and results.
type Function struct {
	name string

	values []valueInfo

	// ops is the arena of operations: erased operations are left as nil.
	ops []*Op

	// order is the program order of the operations.
	order []OpID

	parameters []ValueID
	results    []ValueID
}

// NewFunction creates an empty function.
func NewFunction(name string) *Function {
	return &Function{name: name}
}

// Build creates a new function and calls buildFn to populate it. Any panic raised while building
// (invalid operands, shape mismatches) is returned as an error.
func Build(name string, buildFn func(f *Function)) (*Function, error) {
	f := NewFunction(name)
	err := exceptions.TryCatch[error](func() { buildFn(f) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while building function %q", name)
	}
	return f, nil
}

// Name of the function.
func (f *Function) Name() string { return f.name }

// NumValues returns the size of the value arena: ValueIDs are in the range [0, NumValues).
func (f *Function) NumValues() int { return len(f.values) }

// NumOps returns the number of live operations.
func (f *Function) NumOps() int { return len(f.order) }

// checkValue panics if v is not a valid value of f.
func (f *Function) checkValue(v ValueID) {
	if v < 0 || int(v) >= len(f.values) {
		exceptions.Panicf("invalid value %%%d for function %q with %d values", v, f.name, len(f.values))
	}
}

// Type of the value.
func (f *Function) Type(v ValueID) Type {
	f.checkValue(v)
	return f.values[v].typ
}

// SetType changes the type of a value in place. Used by passes that refine types (tiling, memory space).
func (f *Function) SetType(v ValueID, t Type) {
	f.checkValue(v)
	f.values[v].typ = t.Clone()
}

// DefiningOp returns the operation that defines v, or nil if v is a parameter.
func (f *Function) DefiningOp(v ValueID) *Op {
	f.checkValue(v)
	def := f.values[v].def
	if def == NoOp {
		return nil
	}
	return f.ops[def]
}

// ResultIndex returns which result of its defining operation v is.
func (f *Function) ResultIndex(v ValueID) int {
	f.checkValue(v)
	return f.values[v].resultIdx
}

// IsParameter returns whether v is a function parameter.
func (f *Function) IsParameter(v ValueID) bool {
	f.checkValue(v)
	return f.values[v].def == NoOp
}

// Parameters of the function.
func (f *Function) Parameters() []ValueID { return slices.Clone(f.parameters) }

// Results of the function, as set by Return.
func (f *Function) Results() []ValueID { return slices.Clone(f.results) }

// Op returns the operation with the given id, or nil if it was erased.
func (f *Function) Op(id OpID) *Op {
	if id < 0 || int(id) >= len(f.ops) {
		return nil
	}
	return f.ops[id]
}

// Ops returns the operations in program order.
func (f *Function) Ops() []*Op {
	ops := make([]*Op, 0, len(f.order))
	for _, id := range f.order {
		ops = append(ops, f.ops[id])
	}
	return ops
}

// OpPosition returns the program order position of each operation, indexed by OpID.
// Erased operations have position -1.
func (f *Function) OpPosition() []int {
	pos := slices.Repeat([]int{-1}, len(f.ops))
	for ii, id := range f.order {
		pos[id] = ii
	}
	return pos
}

// ComputeUses returns the uses of every value, indexed by ValueID, in program order.
// Function results are not included.
func (f *Function) ComputeUses() [][]Use {
	uses := make([][]Use, len(f.values))
	for _, id := range f.order {
		for idx, operand := range f.ops[id].Operands {
			if operand == NoValue {
				continue
			}
			uses[operand] = append(uses[operand], Use{Op: id, Index: idx})
		}
	}
	return uses
}

func (f *Function) newValue(t Type, def OpID, resultIdx int) ValueID {
	v := ValueID(len(f.values))
	f.values = append(f.values, valueInfo{typ: t.Clone(), def: def, resultIdx: resultIdx})
	return v
}

// Parameter adds a new parameter to the function.
func (f *Function) Parameter(t Type) ValueID {
	if t.Kind == KindInvalid {
		exceptions.Panicf("function %q: invalid type for parameter #%d", f.name, len(f.parameters))
	}
	v := f.newValue(t, NoOp, len(f.parameters))
	f.parameters = append(f.parameters, v)
	return v
}

// Return sets the results of the function. It can be called more than once, the last call wins.
func (f *Function) Return(values ...ValueID) {
	for _, v := range values {
		f.checkValue(v)
	}
	f.results = slices.Clone(values)
}

// AddOp appends a new operation to the end of the function, creating one result per resultTypes.
//
// Operands must be values already defined (or NoValue for absent optional operands).
// It panics otherwise.
func (f *Function) AddOp(opType OpType, data any, resultTypes []Type, operands ...ValueID) *Op {
	for idx, operand := range operands {
		if operand == NoValue {
			continue
		}
		if operand < 0 || int(operand) >= len(f.values) {
			exceptions.Panicf("function %q: %s operand #%d is an invalid value %%%d", f.name, opType, idx, operand)
		}
	}
	op := &Op{
		id:       OpID(len(f.ops)),
		Type:     opType,
		Operands: slices.Clone(operands),
		Data:     data,
	}
	f.ops = append(f.ops, op)
	f.order = append(f.order, op.id)
	op.Results = make([]ValueID, len(resultTypes))
	for ii, t := range resultTypes {
		op.Results[ii] = f.newValue(t, op.id, ii)
	}
	return op
}

// addSingle adds an op with a single result and returns the result.
func (f *Function) addSingle(opType OpType, data any, resultType Type, operands ...ValueID) ValueID {
	return f.AddOp(opType, data, []Type{resultType}, operands...).Results[0]
}

// Clone returns a deep copy of the function. Value and operation ids are preserved.
func (f *Function) Clone() *Function {
	f2 := &Function{
		name:       f.name,
		values:     make([]valueInfo, len(f.values)),
		ops:        make([]*Op, len(f.ops)),
		order:      slices.Clone(f.order),
		parameters: slices.Clone(f.parameters),
		results:    slices.Clone(f.results),
	}
	for ii, info := range f.values {
		f2.values[ii] = valueInfo{typ: info.typ.Clone(), def: info.def, resultIdx: info.resultIdx}
	}
	for ii, op := range f.ops {
		if op == nil {
			continue
		}
		f2.ops[ii] = &Op{
			id:       op.id,
			Type:     op.Type,
			Operands: slices.Clone(op.Operands),
			Results:  slices.Clone(op.Results),
			Data:     op.Data,
		}
	}
	return f2
}

// replaceBody moves the contents of other into f.
func (f *Function) replaceBody(other *Function) {
	f.values = other.values
	f.ops = other.ops
	f.order = other.order
	f.parameters = other.parameters
	f.results = other.results
}

// Validate checks the structural invariants of the function: every operand is defined before its use,
// and results are valid values.
func (f *Function) Validate() error {
	defined := make([]bool, len(f.values))
	for _, p := range f.parameters {
		defined[p] = true
	}
	for _, id := range f.order {
		op := f.ops[id]
		if op == nil {
			return errors.Errorf("function %q: op #%d in program order was erased", f.name, id)
		}
		for idx, operand := range op.Operands {
			if operand == NoValue {
				continue
			}
			if !defined[operand] {
				return errors.Errorf("function %q: op #%d (%s) operand #%d (%%%d) used before being defined",
					f.name, id, op.Type, idx, operand)
			}
		}
		for _, r := range op.Results {
			defined[r] = true
		}
	}
	for ii, r := range f.results {
		if r < 0 || int(r) >= len(f.values) || !defined[r] {
			return errors.Errorf("function %q: result #%d (%%%d) is not defined", f.name, ii, r)
		}
	}
	return nil
}

// Module is a named collection of functions.
type Module struct {
	Name      string
	Functions []*Function
}

// Function returns the function with the given name, or nil if not found.
func (m *Module) Function(name string) *Function {
	for _, f := range m.Functions {
		if f.name == name {
			return f
		}
	}
	return nil
}
