// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Shared schemas and batch builders for codec and transport tests.

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String},
}, nil)

var testDictSchema = arrow.NewSchema([]arrow.Field{
	{Name: "color", Type: &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}},
}, nil)

func makeTestBatch(ids []int64, names []string) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	sb := array.NewStringBuilder(mem)
	defer sb.Release()
	ib.AppendValues(ids, nil)
	sb.AppendValues(names, nil)
	idArr := ib.NewArray()
	defer idArr.Release()
	nameArr := sb.NewArray()
	defer nameArr.Release()
	return array.NewRecordBatch(testSchema, []arrow.Array{idArr, nameArr}, int64(len(ids)))
}

func makeDictBatch(colors []string) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	dt := testDictSchema.Field(0).Type.(*arrow.DictionaryType)
	db := array.NewDictionaryBuilder(mem, dt).(*array.BinaryDictionaryBuilder)
	defer db.Release()
	for _, c := range colors {
		if err := db.AppendString(c); err != nil {
			panic(err)
		}
	}
	arr := db.NewArray()
	defer arr.Release()
	return array.NewRecordBatch(testDictSchema, []arrow.Array{arr}, int64(len(colors)))
}

// captureStream collects envelopes on the write side and replays them on the
// read side.
type captureStream struct {
	data []*FlightData
	pos  int
}

func (s *captureStream) Send(d *FlightData) error {
	s.data = append(s.data, d)
	return nil
}

func (s *captureStream) Recv() (*FlightData, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	d := s.data[s.pos]
	s.pos++
	return d, nil
}

func batchEqual(a, b arrow.RecordBatch) bool {
	if !a.Schema().Equal(b.Schema()) || a.NumRows() != b.NumRows() || a.NumCols() != b.NumCols() {
		return false
	}
	for i := 0; i < int(a.NumCols()); i++ {
		if !array.Equal(a.Column(i), b.Column(i)) {
			return false
		}
	}
	return true
}
