// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/mosaic/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSerializable(name string) *Function {
	return must.M1(Build(name, func(f *Function) {
		m := f.Parameter(MemRefType(dtypes.Float32, MemorySpaceAny, 2, 16, 128).WithTiling([]int{8, 128}))
		i := f.Parameter(IndexType())
		table := f.ConstantTable(dtypes.Int32, MemorySpaceSMEM, []float64{1, 2, 3, 4})
		vmem := f.MemorySpaceCast(f.MemRefSqueeze(f.MemRefSlice(m, []int{1, 16, 128}, i, f.ConstantIndex(0), f.ConstantIndex(0))),
			MemorySpaceVMEM)
		x := f.Load(vmem, []int{16, 128}, f.ConstantIndex(0), f.ConstantIndex(0))
		sums := f.Reduce(f.Transpose(x, 1, 0), ReduceMax, 1)
		f.LinalgElementwise(OpTypeAdd, vmem, vmem, vmem)
		f.Return(sums, table)
	}))
}

func TestGobSerialize(t *testing.T) {
	f := buildSerializable("kernel")
	var buf bytes.Buffer
	require.NoError(t, f.GobSerialize(gob.NewEncoder(&buf)))

	f2, err := GobDeserializeFunction(gob.NewDecoder(&buf))
	require.NoError(t, err)
	assert.Equal(t, f.String(), f2.String())
	assert.Equal(t, f.NumValues(), f2.NumValues())
	for _, op := range f.Ops() {
		op2 := f2.Op(op.ID())
		require.NotNil(t, op2)
		assert.Equal(t, op.Type, op2.Type)
		assert.Equal(t, op.Data, op2.Data, "op #%d (%s)", op.ID(), op.Type)
	}
	for v := range f.NumValues() {
		assert.True(t, f.Type(ValueID(v)).Equal(f2.Type(ValueID(v))), "type of %%%d", v)
	}
	require.NoError(t, f2.Validate())

	t.Run("module", func(t *testing.T) {
		m := &Module{Name: "kernels", Functions: []*Function{buildSerializable("a"), buildSerializable("b")}}
		var buf bytes.Buffer
		require.NoError(t, m.GobSerialize(gob.NewEncoder(&buf)))
		m2, err := GobDeserializeModule(gob.NewDecoder(&buf))
		require.NoError(t, err)
		assert.Equal(t, "kernels", m2.Name)
		require.Len(t, m2.Functions, 2)
		assert.Equal(t, m.Function("b").String(), m2.Function("b").String())
	})

	t.Run("versions", func(t *testing.T) {
		for _, header := range []serializedHeader{
			{Magic: serializationMagic, Version: SerializationVersion + 1},
			{Magic: serializationMagic, Version: MinSerializationVersion - 1},
			{Magic: "something else", Version: SerializationVersion},
		} {
			var buf bytes.Buffer
			require.NoError(t, gob.NewEncoder(&buf).Encode(header))
			_, err := GobDeserializeFunction(gob.NewDecoder(&buf))
			require.Error(t, err, "header %+v", header)
		}
	})

	t.Run("invalid contents", func(t *testing.T) {
		var buf bytes.Buffer
		enc := gob.NewEncoder(&buf)
		require.NoError(t, enc.Encode(serializedHeader{Magic: serializationMagic, Version: SerializationVersion}))
		require.NoError(t, enc.Encode("broken"))
		require.NoError(t, enc.Encode([]serializedValue{{Type: IndexType(), Def: NoOp}}))
		require.NoError(t, enc.Encode([]serializedOp{{Type: "neg", Operands: []ValueID{7}, Results: []ValueID{0}}}))
		require.NoError(t, enc.Encode([]OpID{0}))
		require.NoError(t, enc.Encode([]ValueID{0}))
		require.NoError(t, enc.Encode([]ValueID{}))
		_, err := GobDeserializeFunction(gob.NewDecoder(&buf))
		require.ErrorContains(t, err, "invalid value %7")
	})

	_, err = OpTypeFromName("no_such_op")
	require.Error(t, err)
	assert.Equal(t, OpTypeVRegLoad, must.M1(OpTypeFromName("vreg_load")))
}
