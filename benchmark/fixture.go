// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds the shared fixture used by the transport and codec
// benchmarks: a handler that produces and drains record batch streams, and
// generators for the batch shapes the benchmarks move.
package benchmark

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/Query-farm/flight-rpc-go/flightrpc"
)

// Stream schemas

var ValueSchema = arrow.NewSchema([]arrow.Field{
	{Name: "i", Type: arrow.PrimitiveTypes.Int64},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
}, nil)

var DictSchema = arrow.NewSchema([]arrow.Field{
	{Name: "tag", Type: &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}},
}, nil)

// Handler serves the benchmark workloads. DoGet tickets have the form
// "values:<batches>x<rows>"; DoPut drains the upload and acknowledges once;
// DoExchange echoes every envelope back.
type Handler struct {
	flightrpc.BaseHandler
}

func (Handler) Handshake(context.Context, *flightrpc.HandshakeRequest) (*flightrpc.HandshakeResponse, error) {
	return &flightrpc.HandshakeResponse{}, nil
}

func (Handler) GetFlightInfo(_ context.Context, desc *flightrpc.FlightDescriptor) (*flightrpc.FlightInfo, error) {
	return &flightrpc.FlightInfo{
		Schema:       flightrpc.SerializeSchema(ValueSchema),
		Descriptor:   desc,
		Endpoint:     []*flightrpc.FlightEndpoint{{Ticket: &flightrpc.Ticket{Ticket: []byte("values:1x1024")}}},
		TotalRecords: flightrpc.SizeUnknown,
		TotalBytes:   flightrpc.SizeUnknown,
	}, nil
}

func (Handler) DoGet(_ context.Context, ticket *flightrpc.Ticket, stream *flightrpc.ServerDataStream) error {
	batches, rows, err := parseTicket(string(ticket.Ticket))
	if err != nil {
		return err
	}
	w := flightrpc.NewRecordWriter(stream, ipc.WithSchema(ValueSchema))
	b := MakeValueBatch(rows)
	defer b.Release()
	for i := 0; i < batches; i++ {
		if err := w.Write(b); err != nil {
			return err
		}
	}
	return w.Close()
}

func (Handler) DoPut(_ context.Context, stream *flightrpc.PutStream) error {
	rdr, err := flightrpc.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()
	var rows int64
	for rdr.Next() {
		rows += rdr.RecordBatch().NumRows()
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	return stream.Ack(&flightrpc.PutResult{AppMetadata: strconv.AppendInt(nil, rows, 10)})
}

func (Handler) DoExchange(_ context.Context, stream *flightrpc.ExchangeStream) error {
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

// parseTicket splits "values:<batches>x<rows>".
func parseTicket(s string) (batches, rows int, err error) {
	rest, ok := strings.CutPrefix(s, "values:")
	if !ok {
		return 0, 0, flightrpc.InvalidArgumentf("unknown benchmark ticket %q", s)
	}
	bs, rs, ok := strings.Cut(rest, "x")
	if !ok {
		return 0, 0, flightrpc.InvalidArgumentf("unknown benchmark ticket %q", s)
	}
	if batches, err = strconv.Atoi(bs); err != nil {
		return 0, 0, flightrpc.InvalidArgumentf("bad batch count in ticket %q", s)
	}
	if rows, err = strconv.Atoi(rs); err != nil {
		return 0, 0, flightrpc.InvalidArgumentf("bad row count in ticket %q", s)
	}
	return batches, rows, nil
}
