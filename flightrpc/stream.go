// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"io"
	"sync/atomic"
)

// inboundDepth bounds undelivered inbound payloads per call. Beyond this the
// reader stops pulling frames and backpressure propagates to the peer's send.
const inboundDepth = 4

// serverCall is one dispatched call on a connection. A dedicated reader
// goroutine owns the connection's inbound side for the life of the call and
// routes payloads, half-close, and cancellation; handler goroutines send
// through the shared writer.
type serverCall struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	conn   *frameConn
	req    *callRequest
	stats  *CallStatistics

	in        chan []byte
	done      chan struct{}
	readErr   error
	cancelled atomic.Bool
}

func newServerCall(ctx context.Context, cancel context.CancelCauseFunc, conn *frameConn, req *callRequest, stats *CallStatistics) *serverCall {
	c := &serverCall{
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		req:    req,
		stats:  stats,
		in:     make(chan []byte, inboundDepth),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *serverCall) readLoop() {
	defer close(c.done)
	discarding := false
	halfClosed := false
	for {
		f, err := c.conn.readFrame()
		if err != nil {
			if !halfClosed {
				c.readErr = err
				close(c.in)
			}
			c.cancel(err)
			return
		}
		switch f.Kind {
		case frameMessage:
			if discarding || halfClosed {
				continue
			}
			c.stats.RecordInput(int64(len(f.Body)))
			select {
			case c.in <- f.Body:
			case <-c.ctx.Done():
				// The handler is gone. Keep reading so the client can
				// finish its half cleanly, but drop the payloads.
				discarding = true
			}
		case frameDone:
			// Half-close ends the payload stream, but the reader keeps the
			// connection so a later cancel frame still reaches the call.
			if !halfClosed {
				halfClosed = true
				close(c.in)
			}
		case frameCancel:
			c.cancelled.Store(true)
			c.cancel(&FlightError{Code: CodeCancelled, Message: "call cancelled by client"})
			if !halfClosed {
				close(c.in)
			}
			return
		default:
			// Unknown frame kinds from newer peers are skipped.
		}
	}
}

// recvPayload returns the next client payload, io.EOF after the client
// half-closes, or the cancellation/transport error that ended the call.
func (c *serverCall) recvPayload() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, c.closedErr()
		}
		return b, nil
	case <-c.ctx.Done():
		return nil, asFlightError(context.Cause(c.ctx))
	}
}

func (c *serverCall) closedErr() error {
	if c.cancelled.Load() {
		return &FlightError{Code: CodeCancelled, Message: "call cancelled by client"}
	}
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

// sendMessage writes one payload frame, refusing once the call is cancelled
// or past its deadline so producers observe cancellation at the next send.
func (c *serverCall) sendMessage(v any) error {
	if err := context.Cause(c.ctx); err != nil {
		return asFlightError(err)
	}
	b, err := marshalBody(v)
	if err != nil {
		return err
	}
	if err := c.conn.writeFrame(&frame{Kind: frameMessage, Body: b}); err != nil {
		return err
	}
	c.stats.RecordOutput(int64(len(b)))
	return nil
}

func (c *serverCall) sendDone() error {
	return c.conn.writeFrame(&frame{Kind: frameDone})
}

func (c *serverCall) sendError(err error) error {
	fe := asFlightError(err)
	body, mErr := marshalBody(&wireError{
		Code:      string(fe.Code),
		Message:   fe.Message,
		RequestID: c.req.RequestID,
	})
	if mErr != nil {
		return mErr
	}
	return c.conn.writeFrame(&frame{Kind: frameError, Body: body})
}

// finish drains any unread client payloads and waits for the reader to leave
// the connection. The reader holds the inbound side until the peer cancels or
// disconnects, so a call's completion coincides with the end of its
// connection.
func (c *serverCall) finish() {
	for range c.in {
	}
	<-c.done
}

// InfoStream is the sink a ListFlights handler emits matching datasets into.
type InfoStream interface {
	Send(*FlightInfo) error
}

// ResultStream is the sink a DoAction handler emits result chunks into.
type ResultStream interface {
	Send(*Result) error
}

// ActionStream is the sink a ListActions handler emits supported actions into.
type ActionStream interface {
	Send(*ActionType) error
}

type infoSender struct{ call *serverCall }

func (s infoSender) Send(fi *FlightInfo) error { return s.call.sendMessage(fi) }

type resultSender struct{ call *serverCall }

func (s resultSender) Send(r *Result) error { return s.call.sendMessage(r) }

type actionSender struct{ call *serverCall }

func (s actionSender) Send(a *ActionType) error { return s.call.sendMessage(a) }

// ServerDataStream is the outbound data stream of a DoGet call. It implements
// DataStreamWriter; wrap it with [NewRecordWriter] to send batches.
type ServerDataStream struct {
	call *serverCall
}

// Context is cancelled when the client stops consuming or the transport
// fails; handlers should stop producing when it fires.
func (s *ServerDataStream) Context() context.Context { return s.call.ctx }

func (s *ServerDataStream) Send(d *FlightData) error { return s.call.sendMessage(d) }

// PutStream is the server side of a DoPut call: an inbound stream of
// FlightData (wrap with [NewRecordReader]) and an outbound stream of
// acknowledgements. Acknowledgement cardinality is the handler's choice and
// need not match the number of uploaded batches.
type PutStream struct {
	call *serverCall
}

func (p *PutStream) Context() context.Context { return p.call.ctx }

func (p *PutStream) Recv() (*FlightData, error) {
	body, err := p.call.recvPayload()
	if err != nil {
		return nil, err
	}
	var d FlightData
	if err := unmarshalBody(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Ack sends one acknowledgement to the uploading client.
func (p *PutStream) Ack(r *PutResult) error { return p.call.sendMessage(r) }

// ExchangeStream is the server side of a DoExchange call: FlightData flows in
// both directions concurrently, each direction preserving its own send order.
type ExchangeStream struct {
	call *serverCall
}

func (e *ExchangeStream) Context() context.Context { return e.call.ctx }

func (e *ExchangeStream) Recv() (*FlightData, error) {
	body, err := e.call.recvPayload()
	if err != nil {
		return nil, err
	}
	var d FlightData
	if err := unmarshalBody(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (e *ExchangeStream) Send(d *FlightData) error { return e.call.sendMessage(d) }
