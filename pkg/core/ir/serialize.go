// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"encoding/gob"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

const (
	// SerializationVersion is the version of the binary form written by GobSerialize.
	SerializationVersion = 1

	// MinSerializationVersion is the oldest version the deserialization accepts.
	MinSerializationVersion = 1

	serializationMagic = "mosaic.ir"
)

var opTypesByName = sync.OnceValue(func() map[string]OpType {
	byName := make(map[string]OpType, len(opTypeNames))
	for opType, name := range opTypeNames {
		byName[name] = opType
	}
	return byName
})

// OpTypeFromName returns the OpType with the given name, as printed by OpType.String.
func OpTypeFromName(name string) (OpType, error) {
	opType, found := opTypesByName()[name]
	if !found {
		return OpTypeInvalid, errors.Errorf("unknown op type %q", name)
	}
	return opType, nil
}

// RegisterData registers the concrete type of the Data of some op type for serialization, under a stable
// name. Packages defining op data types must register them (usually in an init function).
func RegisterData(name string, data any) {
	gob.RegisterName(name, data)
}

func init() {
	RegisterData("ir.ConstantData", ConstantData{})
	RegisterData("ir.ReduceData", ReduceData{})
	RegisterData("ir.TransposeData", TransposeData{})
	RegisterData("ir.MemorySpaceCastData", MemorySpaceCastData{})
	RegisterData("ir.LinalgElementwiseData", LinalgElementwiseData{})
}

// serializedHeader starts every serialized function.
type serializedHeader struct {
	Magic   string
	Version int
}

type serializedValue struct {
	Type      Type
	Def       OpID
	ResultIdx int
}

// serializedOp is one entry of the operations arena. Op types are stored by name, so they survive
// renumbering of the OpType enum.
type serializedOp struct {
	Erased   bool
	Type     string
	Operands []ValueID
	Results  []ValueID
	Data     any
}

// GobSerialize the function in a versioned binary format: the arenas are stored as is, so value and
// operation ids are preserved.
func (f *Function) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize function %q", f.name)
		}
	}
	enc(serializedHeader{Magic: serializationMagic, Version: SerializationVersion})
	enc(f.name)
	values := make([]serializedValue, len(f.values))
	for ii, info := range f.values {
		values[ii] = serializedValue{Type: info.typ, Def: info.def, ResultIdx: info.resultIdx}
	}
	enc(values)
	ops := make([]serializedOp, len(f.ops))
	for ii, op := range f.ops {
		if op == nil {
			ops[ii].Erased = true
			continue
		}
		ops[ii] = serializedOp{Type: op.Type.String(), Operands: op.Operands, Results: op.Results, Data: op.Data}
	}
	enc(ops)
	enc(f.order)
	enc(f.parameters)
	enc(f.results)
	return
}

// GobDeserializeFunction reads a function written by Function.GobSerialize.
// It fails for versions outside [MinSerializationVersion, SerializationVersion] and for inconsistent
// contents.
func GobDeserializeFunction(decoder *gob.Decoder) (f *Function, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize function")
		}
	}
	var header serializedHeader
	dec(&header)
	if err != nil {
		return nil, err
	}
	if header.Magic != serializationMagic {
		return nil, errors.Errorf("failed to deserialize function: not a serialized function (magic %q)", header.Magic)
	}
	if header.Version < MinSerializationVersion || header.Version > SerializationVersion {
		return nil, errors.Errorf("failed to deserialize function: version %d not supported, only versions %d to %d",
			header.Version, MinSerializationVersion, SerializationVersion)
	}

	f = &Function{}
	var (
		values []serializedValue
		ops    []serializedOp
	)
	dec(&f.name)
	dec(&values)
	dec(&ops)
	dec(&f.order)
	dec(&f.parameters)
	dec(&f.results)
	if err != nil {
		return nil, err
	}
	f.values = make([]valueInfo, len(values))
	for ii, v := range values {
		if v.Def != NoOp && (v.Def < 0 || int(v.Def) >= len(ops)) {
			return nil, errors.Errorf("failed to deserialize function %q: value %%%d defined by invalid op #%d", f.name, ii, v.Def)
		}
		f.values[ii] = valueInfo{typ: v.Type, def: v.Def, resultIdx: v.ResultIdx}
	}
	f.ops = make([]*Op, len(ops))
	for ii, sop := range ops {
		if sop.Erased {
			continue
		}
		opType, err := OpTypeFromName(sop.Type)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to deserialize function %q, op #%d", f.name, ii)
		}
		for _, v := range slices.Concat(sop.Operands, sop.Results) {
			if v != NoValue && (v < 0 || int(v) >= len(values)) {
				return nil, errors.Errorf("failed to deserialize function %q: op #%d (%s) refers to invalid value %%%d",
					f.name, ii, opType, v)
			}
		}
		f.ops[ii] = &Op{id: OpID(ii), Type: opType, Operands: sop.Operands, Results: sop.Results, Data: sop.Data}
	}
	for _, id := range f.order {
		if id < 0 || int(id) >= len(f.ops) {
			return nil, errors.Errorf("failed to deserialize function %q: invalid op #%d in program order", f.name, id)
		}
	}
	for _, p := range f.parameters {
		if p < 0 || int(p) >= len(f.values) || f.values[p].def != NoOp {
			return nil, errors.Errorf("failed to deserialize function %q: invalid parameter %%%d", f.name, p)
		}
	}
	if err = f.Validate(); err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize function")
	}
	return f, nil
}

// GobSerialize the module: its name followed by each of its functions.
func (m *Module) GobSerialize(encoder *gob.Encoder) error {
	if err := encoder.Encode(m.Name); err != nil {
		return errors.Wrapf(err, "failed to serialize module %q", m.Name)
	}
	if err := encoder.Encode(len(m.Functions)); err != nil {
		return errors.Wrapf(err, "failed to serialize module %q", m.Name)
	}
	for _, f := range m.Functions {
		if err := f.GobSerialize(encoder); err != nil {
			return errors.WithMessagef(err, "module %q", m.Name)
		}
	}
	return nil
}

// GobDeserializeModule reads a module written by Module.GobSerialize.
func GobDeserializeModule(decoder *gob.Decoder) (*Module, error) {
	m := &Module{}
	if err := decoder.Decode(&m.Name); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize module")
	}
	var numFunctions int
	if err := decoder.Decode(&numFunctions); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize module %q", m.Name)
	}
	for range numFunctions {
		f, err := GobDeserializeFunction(decoder)
		if err != nil {
			return nil, errors.WithMessagef(err, "module %q", m.Name)
		}
		m.Functions = append(m.Functions, f)
	}
	return m, nil
}
