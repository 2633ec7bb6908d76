// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/flight-rpc-go/flightrpc"
)

// pollRetryInterval is the RetryAfter the fixture reports for in-progress
// polls. Kept short so suites iterate quickly.
const pollRetryInterval = 10 * time.Millisecond

func (h *Handler) DoGet(_ context.Context, ticket *flightrpc.Ticket, stream *flightrpc.ServerDataStream) error {
	spec := string(ticket.Ticket)

	if n, ok := parseCount(spec, "counter"); ok {
		return writeCounterBatches(stream, n)
	}
	if n, ok := parseCount(spec, "dict"); ok {
		return writeLabelBatches(stream, n)
	}
	if n, ok := parseCount(spec, "error_after"); ok {
		if err := writeCounterBatches(stream, n); err != nil {
			return err
		}
		return flightrpc.Errorf(flightrpc.CodeInternal, "scripted mid-stream failure after %d batches", n)
	}
	switch spec {
	case "empty":
		w := flightrpc.NewRecordWriter(stream, ipc.WithSchema(CounterSchema))
		return w.Close()
	case "unbounded":
		w := flightrpc.NewRecordWriter(stream, ipc.WithSchema(CounterSchema))
		for i := 0; ; i++ {
			b := counterBatch(int64(i))
			err := w.Write(b)
			b.Release()
			if err != nil {
				return err
			}
		}
	default:
		// Command tickets round-trip through the extension layer.
		if cmd, err := flightrpc.UnpackCommand(ticket.Ticket); err == nil {
			if tsq, ok := cmd.(*flightrpc.TicketStatementQuery); ok {
				return writeCounterBatches(stream, len(tsq.Handle)%4+1)
			}
		}
		return flightrpc.NotFoundf("unknown conformance ticket %q", spec)
	}
}

func (h *Handler) DoPut(_ context.Context, stream *flightrpc.PutStream) error {
	rdr, err := flightrpc.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil {
		return flightrpc.InvalidArgumentf("upload stream without a descriptor")
	}
	perBatch := desc.Type == flightrpc.DescriptorPath && len(desc.Path) == 1 && desc.Path[0] == "ack_per_batch"

	var rows int64
	acks := 0
	for rdr.Next() {
		rows += rdr.RecordBatch().NumRows()
		if perBatch {
			if err := stream.Ack(&flightrpc.PutResult{AppMetadata: ackMetadata(rows, acks)}); err != nil {
				return err
			}
			acks++
		}
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	if !perBatch {
		return stream.Ack(&flightrpc.PutResult{AppMetadata: ackMetadata(rows, 0)})
	}
	return nil
}

// DoExchange echoes every envelope back unchanged, exercising both directions
// of the stream with their independent orderings.
func (h *Handler) DoExchange(_ context.Context, stream *flightrpc.ExchangeStream) error {
	for {
		d, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(d); err != nil {
			return err
		}
	}
}

func writeCounterBatches(stream *flightrpc.ServerDataStream, n int) error {
	w := flightrpc.NewRecordWriter(stream, ipc.WithSchema(CounterSchema))
	for i := 0; i < n; i++ {
		b := counterBatch(int64(i))
		err := w.WriteWithAppMetadata(b, []byte(fmt.Sprintf("batch=%d", i)))
		b.Release()
		if err != nil {
			return err
		}
	}
	return w.Close()
}

func writeLabelBatches(stream *flightrpc.ServerDataStream, n int) error {
	w := flightrpc.NewRecordWriter(stream, ipc.WithSchema(LabelSchema))
	labels := []string{"alpha", "beta", "gamma"}
	for i := 0; i < n; i++ {
		b := labelBatch(labels[i%len(labels)], i+1)
		err := w.Write(b)
		b.Release()
		if err != nil {
			return err
		}
	}
	return w.Close()
}

func counterBatch(index int64) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	vb := array.NewInt64Builder(mem)
	defer vb.Release()
	ib.Append(index)
	vb.Append(index * 10)
	idx := ib.NewArray()
	defer idx.Release()
	val := vb.NewArray()
	defer val.Release()
	return array.NewRecordBatch(CounterSchema, []arrow.Array{idx, val}, 1)
}

func labelBatch(label string, rows int) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	dt := LabelSchema.Field(0).Type.(*arrow.DictionaryType)
	db := array.NewDictionaryBuilder(mem, dt).(*array.BinaryDictionaryBuilder)
	defer db.Release()
	for i := 0; i < rows; i++ {
		if err := db.AppendString(label); err != nil {
			panic(err)
		}
	}
	arr := db.NewArray()
	defer arr.Release()
	return array.NewRecordBatch(LabelSchema, []arrow.Array{arr}, int64(rows))
}
