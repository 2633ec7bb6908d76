// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// MakeValueBatch builds a batch of ValueSchema with rows sequential values.
// The caller owns the returned batch.
func MakeValueBatch(rows int) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	fb := array.NewFloat64Builder(mem)
	defer fb.Release()
	for i := 0; i < rows; i++ {
		ib.Append(int64(i))
		fb.Append(float64(i) * 0.5)
	}
	idx := ib.NewArray()
	defer idx.Release()
	vals := fb.NewArray()
	defer vals.Release()
	return array.NewRecordBatch(ValueSchema, []arrow.Array{idx, vals}, int64(rows))
}

// MakeDictBatch builds a batch of DictSchema with rows values drawn from a
// dictionary of cardinality distinct strings. The caller owns the returned
// batch.
func MakeDictBatch(rows, cardinality int) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	dt := DictSchema.Field(0).Type.(*arrow.DictionaryType)
	db := array.NewDictionaryBuilder(mem, dt).(*array.BinaryDictionaryBuilder)
	defer db.Release()
	for i := 0; i < rows; i++ {
		if err := db.AppendString(fmt.Sprintf("tag-%03d", i%cardinality)); err != nil {
			panic(err)
		}
	}
	arr := db.NewArray()
	defer arr.Release()
	return array.NewRecordBatch(DictSchema, []arrow.Array{arr}, int64(rows))
}
