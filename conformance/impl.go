// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/flight-rpc-go/flightrpc"
)

// Schemas served by the conformance datasets.

var CounterSchema = arrow.NewSchema([]arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

var LabelSchema = arrow.NewSchema([]arrow.Field{
	{Name: "label", Type: &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}},
}, nil)

// Handler implements every flight_rpc operation with scripted behaviors.
//
// DoGet tickets:
//
//	counter:<n>      n single-row batches of CounterSchema, value = index*10
//	dict:<n>         n batches of LabelSchema with dictionary-encoded labels
//	empty            a schema-only stream
//	error_after:<n>  n batches, then an INTERNAL error mid-stream
//	unbounded        batches until the client cancels
//
// DoPut descriptors: path ["ack_per_batch"] acknowledges every batch, any
// other path acknowledges once with the total row count. DoAction types:
// "echo", "error" (body names the code), "whoami".
type Handler struct {
	flightrpc.BaseHandler

	mu    sync.Mutex
	polls map[string]int
}

// NewHandler creates the conformance fixture handler.
func NewHandler() *Handler {
	return &Handler{polls: map[string]int{}}
}

func (h *Handler) Handshake(_ context.Context, req *flightrpc.HandshakeRequest) (*flightrpc.HandshakeResponse, error) {
	resp := &flightrpc.HandshakeResponse{Payload: req.Payload}
	if string(req.Payload) == "token-please" {
		resp.Token = []byte("conformance-token")
	}
	return resp, nil
}

func (h *Handler) ListFlights(_ context.Context, criteria *flightrpc.Criteria, stream flightrpc.InfoStream) error {
	for _, name := range []string{"counter", "dict", "empty"} {
		if len(criteria.Expression) > 0 && !strings.HasPrefix(name, string(criteria.Expression)) {
			continue
		}
		info, err := h.describe(name)
		if err != nil {
			return err
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) GetFlightInfo(ctx context.Context, desc *flightrpc.FlightDescriptor) (*flightrpc.FlightInfo, error) {
	if desc.Type == flightrpc.DescriptorCmd {
		return h.commandInfo(desc)
	}
	if len(desc.Path) != 1 {
		return nil, flightrpc.InvalidArgumentf("expected a single-segment path, got %d segments", len(desc.Path))
	}
	return h.describe(desc.Path[0])
}

func (h *Handler) GetSchema(_ context.Context, desc *flightrpc.FlightDescriptor) (*flightrpc.SchemaResult, error) {
	schema, err := h.schemaOf(desc)
	if err != nil {
		return nil, err
	}
	return &flightrpc.SchemaResult{Schema: flightrpc.SerializeSchema(schema)}, nil
}

// PollFlightInfo completes a descriptor after three polls, reporting
// monotonically increasing progress and a refreshed descriptor in between.
func (h *Handler) PollFlightInfo(_ context.Context, desc *flightrpc.FlightDescriptor) (*flightrpc.PollInfo, error) {
	key := desc.String()
	h.mu.Lock()
	h.polls[key]++
	n := h.polls[key]
	h.mu.Unlock()

	if n < 3 {
		return &flightrpc.PollInfo{
			Info: &flightrpc.FlightInfo{
				Descriptor:   desc,
				TotalRecords: flightrpc.SizeUnknown,
				TotalBytes:   flightrpc.SizeUnknown,
			},
			Descriptor: desc,
			Progress:   float64(n) / 3,
			RetryAfter: pollRetryInterval,
		}, nil
	}
	info, err := h.describe("counter")
	if err != nil {
		return nil, err
	}
	info.Descriptor = desc
	return &flightrpc.PollInfo{Info: info, Progress: 1}, nil
}

func (h *Handler) DoAction(ctx context.Context, action *flightrpc.Action, stream flightrpc.ResultStream) error {
	switch action.Type {
	case "echo":
		return stream.Send(&flightrpc.Result{Body: action.Body})
	case "error":
		return flightrpc.Errorf(flightrpc.ErrorCode(action.Body), "requested failure")
	case "whoami":
		info := flightrpc.CallInfoFromContext(ctx)
		if info == nil {
			return flightrpc.Errorf(flightrpc.CodeInternal, "no call info in handler context")
		}
		if err := stream.Send(&flightrpc.Result{Body: []byte("method=" + info.Method)}); err != nil {
			return err
		}
		return stream.Send(&flightrpc.Result{Body: []byte("request_id=" + info.RequestID)})
	default:
		return flightrpc.Unimplementedf("unknown action %q", action.Type)
	}
}

func (h *Handler) ListActions(_ context.Context, stream flightrpc.ActionStream) error {
	actions := []*flightrpc.ActionType{
		{Type: "echo", Description: "Return the action body as a single result"},
		{Type: "error", Description: "Fail with the error code named by the body"},
		{Type: "whoami", Description: "Report the call metadata the server observed"},
	}
	for _, a := range actions {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

// describe builds the FlightInfo for a named conformance dataset.
func (h *Handler) describe(name string) (*flightrpc.FlightInfo, error) {
	switch name {
	case "counter":
		return &flightrpc.FlightInfo{
			Schema:     flightrpc.SerializeSchema(CounterSchema),
			Descriptor: flightrpc.NewPathDescriptor(name),
			Endpoint: []*flightrpc.FlightEndpoint{
				{Ticket: &flightrpc.Ticket{Ticket: []byte("counter:3")}},
				{Ticket: &flightrpc.Ticket{Ticket: []byte("counter:2")}},
			},
			TotalRecords: 5,
			TotalBytes:   flightrpc.SizeUnknown,
			Ordered:      true,
		}, nil
	case "dict":
		return &flightrpc.FlightInfo{
			Schema:     flightrpc.SerializeSchema(LabelSchema),
			Descriptor: flightrpc.NewPathDescriptor(name),
			Endpoint: []*flightrpc.FlightEndpoint{
				{Ticket: &flightrpc.Ticket{Ticket: []byte("dict:4")}},
			},
			TotalRecords: flightrpc.SizeUnknown,
			TotalBytes:   flightrpc.SizeUnknown,
		}, nil
	case "empty":
		return &flightrpc.FlightInfo{
			Schema:     flightrpc.SerializeSchema(CounterSchema),
			Descriptor: flightrpc.NewPathDescriptor(name),
			Endpoint: []*flightrpc.FlightEndpoint{
				{Ticket: &flightrpc.Ticket{Ticket: []byte("empty")}},
			},
			TotalRecords: 0,
			TotalBytes:   flightrpc.SizeUnknown,
		}, nil
	case "no_endpoints":
		// Known dataset, currently nothing retrievable. Not an error.
		return &flightrpc.FlightInfo{
			Schema:       flightrpc.SerializeSchema(CounterSchema),
			Descriptor:   flightrpc.NewPathDescriptor(name),
			TotalRecords: flightrpc.SizeUnknown,
			TotalBytes:   flightrpc.SizeUnknown,
		}, nil
	default:
		return nil, flightrpc.NotFoundf("no dataset %q", name)
	}
}

// commandInfo resolves a CMD descriptor through the command extension layer:
// a StatementQuery is answered with a ticket that carries the query back as a
// TicketStatementQuery.
func (h *Handler) commandInfo(desc *flightrpc.FlightDescriptor) (*flightrpc.FlightInfo, error) {
	cmd, err := flightrpc.UnpackCommand(desc.Cmd)
	if err != nil {
		return nil, flightrpc.InvalidArgumentf("undecodable command descriptor: %v", err)
	}
	sq, ok := cmd.(*flightrpc.StatementQuery)
	if !ok {
		return nil, flightrpc.Unimplementedf("unsupported command %q", cmd.CommandKind())
	}
	ticket, err := flightrpc.CommandTicket(&flightrpc.TicketStatementQuery{Handle: []byte(sq.Query)})
	if err != nil {
		return nil, err
	}
	return &flightrpc.FlightInfo{
		Schema:       flightrpc.SerializeSchema(CounterSchema),
		Descriptor:   desc,
		Endpoint:     []*flightrpc.FlightEndpoint{{Ticket: ticket}},
		TotalRecords: flightrpc.SizeUnknown,
		TotalBytes:   flightrpc.SizeUnknown,
	}, nil
}

func (h *Handler) schemaOf(desc *flightrpc.FlightDescriptor) (*arrow.Schema, error) {
	if desc.Type == flightrpc.DescriptorCmd {
		return CounterSchema, nil
	}
	if len(desc.Path) != 1 {
		return nil, flightrpc.InvalidArgumentf("expected a single-segment path")
	}
	switch desc.Path[0] {
	case "counter", "empty", "no_endpoints":
		return CounterSchema, nil
	case "dict":
		return LabelSchema, nil
	default:
		return nil, flightrpc.NotFoundf("no dataset %q", desc.Path[0])
	}
}

// parseCount splits tickets of the form "<kind>:<n>".
func parseCount(spec, kind string) (int, bool) {
	rest, ok := strings.CutPrefix(spec, kind+":")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func ackMetadata(rows int64, ack int) []byte {
	return []byte(fmt.Sprintf("rows=%d;ack=%d", rows, ack))
}
