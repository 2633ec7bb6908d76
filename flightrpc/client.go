// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DialFunc opens one transport connection: any ordered, reliable byte
// stream. The client opens one connection per call and closes it when the
// call ends; pooling, TLS, and reconnection are the dialer's business.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Client issues calls against a flight_rpc server. Safe for concurrent use;
// concurrent calls run on independent connections and share no stream state.
type Client struct {
	dial       DialFunc
	authToken  string
	compress   bool
	logHandler LogHandler
}

// NewClient creates a client over a dialer.
func NewClient(dial DialFunc) *Client {
	return &Client{dial: dial}
}

// Dial creates a client that connects to a network address per call.
func Dial(network, addr string) *Client {
	d := &net.Dialer{}
	return NewClient(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return d.DialContext(ctx, network, addr)
	})
}

// SetAuthToken attaches an opaque authorization token to every subsequent
// call's metadata. Tokens typically come from a Handshake response.
func (c *Client) SetAuthToken(token string) {
	c.authToken = token
}

// SetCompression enables zstd compression of outbound frames.
func (c *Client) SetCompression(enabled bool) {
	c.compress = enabled
}

// SetLogHandler routes server-emitted log records somewhere other than the
// process log. Must be set before issuing calls.
func (c *Client) SetLogHandler(fn LogHandler) {
	c.logHandler = fn
}

// Handshake performs the single-round-trip negotiation.
func (c *Client) Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	if req == nil {
		req = &HandshakeRequest{}
	}
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = ProtocolVersion
	}
	return unaryCall[HandshakeResponse](c, ctx, MethodHandshake, req)
}

// ListFlights requests the datasets matching criteria; the result is a lazy
// stream of FlightInfo. Close the reader early to cancel the server side.
func (c *Client) ListFlights(ctx context.Context, criteria *Criteria) (*InfoReader, error) {
	if criteria == nil {
		criteria = &Criteria{}
	}
	call, err := c.newCall(ctx, MethodListFlights, criteria)
	if err != nil {
		return nil, err
	}
	if err := call.closeSend(); err != nil {
		call.Close()
		return nil, err
	}
	return &InfoReader{call: call}, nil
}

// GetFlightInfo resolves a descriptor to schema and endpoints.
func (c *Client) GetFlightInfo(ctx context.Context, desc *FlightDescriptor) (*FlightInfo, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return unaryCall[FlightInfo](c, ctx, MethodGetFlightInfo, desc)
}

// GetSchema fetches just the schema of a dataset.
func (c *Client) GetSchema(ctx context.Context, desc *FlightDescriptor) (*SchemaResult, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return unaryCall[SchemaResult](c, ctx, MethodGetSchema, desc)
}

// PollFlightInfo polls a dataset still being materialized. Re-issue the call
// (with the returned refresh descriptor, if any) until PollInfo.Complete.
func (c *Client) PollFlightInfo(ctx context.Context, desc *FlightDescriptor) (*PollInfo, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return unaryCall[PollInfo](c, ctx, MethodPollFlightInfo, desc)
}

// DoGet streams the partition a ticket authorizes. Messages arrive in the
// order the server emitted them. Releasing the reader before end of stream
// cancels the server-side producer.
func (c *Client) DoGet(ctx context.Context, ticket *Ticket) (*Reader, error) {
	call, err := c.newCall(ctx, MethodDoGet, ticket)
	if err != nil {
		return nil, err
	}
	if err := call.closeSend(); err != nil {
		call.Close()
		return nil, err
	}
	rdr, err := NewRecordReader(&clientDataStream{call: call})
	if err != nil {
		call.Close()
		return nil, err
	}
	rdr.onRelease = func() { call.Close() }
	return rdr, nil
}

// DoPut opens an upload stream. Wrap the returned stream with
// [NewRecordWriter] (attaching the target descriptor via SetFlightDescriptor)
// and keep sending while acknowledgements arrive asynchronously through
// RecvResult.
func (c *Client) DoPut(ctx context.Context) (*ClientPutStream, error) {
	call, err := c.newCall(ctx, MethodDoPut, nil)
	if err != nil {
		return nil, err
	}
	return &ClientPutStream{call: call}, nil
}

// DoExchange opens a fully bidirectional data stream.
func (c *Client) DoExchange(ctx context.Context) (*ClientExchangeStream, error) {
	call, err := c.newCall(ctx, MethodDoExchange, nil)
	if err != nil {
		return nil, err
	}
	return &ClientExchangeStream{call: call}, nil
}

// DoAction invokes a named action; the result is a lazy stream of opaque
// chunks.
func (c *Client) DoAction(ctx context.Context, action *Action) (*ResultReader, error) {
	call, err := c.newCall(ctx, MethodDoAction, action)
	if err != nil {
		return nil, err
	}
	if err := call.closeSend(); err != nil {
		call.Close()
		return nil, err
	}
	return &ResultReader{call: call}, nil
}

// ListActions lists the actions the server supports.
func (c *Client) ListActions(ctx context.Context) (*ActionTypeReader, error) {
	call, err := c.newCall(ctx, MethodListActions, nil)
	if err != nil {
		return nil, err
	}
	if err := call.closeSend(); err != nil {
		call.Close()
		return nil, err
	}
	return &ActionTypeReader{call: call}, nil
}

// PutRecordBatches uploads a set of batches to a descriptor in one DoPut
// call, draining acknowledgements concurrently with the upload.
func (c *Client) PutRecordBatches(ctx context.Context, desc *FlightDescriptor, schema *arrow.Schema, batches ...arrow.RecordBatch) ([]*PutResult, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	stream, err := c.DoPut(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var results []*PutResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			res, err := stream.RecvResult()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			results = append(results, res)
		}
	})
	g.Go(func() error {
		w := NewRecordWriter(stream, ipc.WithSchema(schema))
		w.SetFlightDescriptor(desc)
		for _, b := range batches {
			if err := w.Write(b); err != nil {
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		return stream.CloseSend()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// unaryCall performs a single-request single-response conversation.
func unaryCall[R any](c *Client, ctx context.Context, method string, body any) (*R, error) {
	call, err := c.newCall(ctx, method, body)
	if err != nil {
		return nil, err
	}
	defer call.Close()
	if err := call.closeSend(); err != nil {
		return nil, err
	}

	raw, err := call.recvMsg()
	if err == io.EOF {
		return nil, Protocolf("%s: stream ended without a response", method)
	}
	if err != nil {
		return nil, err
	}
	var out R
	if err := unmarshalBody(raw, &out); err != nil {
		return nil, err
	}
	if _, err := call.recvMsg(); err == nil {
		return nil, Protocolf("%s: unexpected extra response message", method)
	} else if err != io.EOF {
		return nil, err
	}
	return &out, nil
}

// clientCall is the client half of one call conversation.
type clientCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *frameConn
	logFn  LogHandler

	in       chan []byte
	done     chan struct{}
	finished atomic.Bool // server sent done or error
	readErr  error
	errMu    sync.Mutex
	remote   *FlightError

	sentDone   atomic.Bool
	sentCancel atomic.Bool
}

func (c *Client) newCall(ctx context.Context, method string, body any) (*clientCall, error) {
	rwc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn := newFrameConn(rwc, c.compress)

	requestID := uuid.NewString()
	md := map[string]string{MetaRequestID: requestID}
	if c.authToken != "" {
		md[MetaAuthorization] = c.authToken
	}
	if dl, ok := ctx.Deadline(); ok {
		md[MetaDeadline] = strconv.FormatInt(dl.UnixNano(), 10)
	}

	var raw []byte
	if body != nil {
		if raw, err = marshalBody(body); err != nil {
			conn.Close()
			return nil, err
		}
	}
	reqBody, err := marshalBody(&callRequest{
		Method:    method,
		Version:   ProtocolVersion,
		RequestID: requestID,
		Metadata:  md,
		Body:      raw,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	logFn := c.logHandler
	if logFn == nil {
		logFn = slogLogHandler
	}

	cctx, cancel := context.WithCancel(ctx)
	call := &clientCall{
		ctx:    cctx,
		cancel: cancel,
		conn:   conn,
		logFn:  logFn,
		in:     make(chan []byte, inboundDepth),
		done:   make(chan struct{}),
	}
	if err := conn.writeFrame(&frame{Kind: frameRequest, Body: reqBody}); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	go call.readLoop()
	go call.watchContext()
	return call, nil
}

func (c *clientCall) readLoop() {
	defer close(c.done)
	discarding := false
	for {
		f, err := c.conn.readFrame()
		if err != nil {
			if !c.finished.Load() {
				c.readErr = err
			}
			close(c.in)
			return
		}
		switch f.Kind {
		case frameMessage:
			if discarding {
				continue
			}
			select {
			case c.in <- f.Body:
			case <-c.ctx.Done():
				discarding = true
			}
		case frameDone:
			c.finished.Store(true)
			close(c.in)
			return
		case frameError:
			var we wireError
			if err := unmarshalBody(f.Body, &we); err == nil {
				c.errMu.Lock()
				c.remote = we.toFlightError()
				c.errMu.Unlock()
			} else {
				c.readErr = err
			}
			c.finished.Store(true)
			close(c.in)
			return
		case frameLog:
			var m LogMessage
			if err := unmarshalBody(f.Body, &m); err == nil {
				c.deliverLog(m)
			}
		default:
		}
	}
}

// deliverLog hands a remote log record to the handler; a panicking handler
// must not take the read loop down.
func (c *clientCall) deliverLog(m LogMessage) {
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("log handler panic", "err", rv)
		}
	}()
	c.logFn(m)
}

// watchContext propagates caller cancellation to the server while the call is
// still live.
func (c *clientCall) watchContext() {
	select {
	case <-c.ctx.Done():
		if !c.finished.Load() && c.sentCancel.CompareAndSwap(false, true) {
			_ = c.conn.writeFrame(&frame{Kind: frameCancel})
		}
	case <-c.done:
	}
}

func (c *clientCall) recvMsg() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, c.closedErr()
		}
		return b, nil
	case <-c.ctx.Done():
		// Drain anything already delivered before reporting cancellation.
		select {
		case b, ok := <-c.in:
			if !ok {
				return nil, c.closedErr()
			}
			return b, nil
		default:
		}
		return nil, asFlightError(c.ctx.Err())
	}
}

func (c *clientCall) closedErr() error {
	c.errMu.Lock()
	remote := c.remote
	c.errMu.Unlock()
	if remote != nil {
		return remote
	}
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

func (c *clientCall) sendMsg(v any) error {
	c.errMu.Lock()
	remote := c.remote
	c.errMu.Unlock()
	if remote != nil {
		return remote
	}
	if err := c.ctx.Err(); err != nil {
		return asFlightError(err)
	}
	b, err := marshalBody(v)
	if err != nil {
		return err
	}
	return c.conn.writeFrame(&frame{Kind: frameMessage, Body: b})
}

func (c *clientCall) closeSend() error {
	if !c.sentDone.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.writeFrame(&frame{Kind: frameDone})
}

// Close tears the call down. If the server has not finished and nothing was
// cancelled yet, a cancel frame tells it to stop producing.
func (c *clientCall) Close() error {
	if !c.finished.Load() && c.sentCancel.CompareAndSwap(false, true) {
		_ = c.conn.writeFrame(&frame{Kind: frameCancel})
	}
	c.cancel()
	return c.conn.Close()
}

// clientDataStream adapts a call to the codec's DataStreamReader.
type clientDataStream struct {
	call *clientCall
}

func (s *clientDataStream) Recv() (*FlightData, error) {
	body, err := s.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var d FlightData
	if err := unmarshalBody(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// InfoReader consumes a ListFlights result stream.
type InfoReader struct {
	call *clientCall
}

// Recv returns the next FlightInfo, or io.EOF at end of stream.
func (r *InfoReader) Recv() (*FlightInfo, error) {
	body, err := r.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var fi FlightInfo
	if err := unmarshalBody(body, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

// Close stops consuming; if the stream is not exhausted the server side is
// cancelled.
func (r *InfoReader) Close() error { return r.call.Close() }

// ResultReader consumes a DoAction result stream.
type ResultReader struct {
	call *clientCall
}

// Recv returns the next result chunk, or io.EOF at end of stream.
func (r *ResultReader) Recv() (*Result, error) {
	body, err := r.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var res Result
	if err := unmarshalBody(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ResultReader) Close() error { return r.call.Close() }

// ActionTypeReader consumes a ListActions result stream.
type ActionTypeReader struct {
	call *clientCall
}

// Recv returns the next supported action, or io.EOF at end of stream.
func (r *ActionTypeReader) Recv() (*ActionType, error) {
	body, err := r.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var at ActionType
	if err := unmarshalBody(body, &at); err != nil {
		return nil, err
	}
	return &at, nil
}

func (r *ActionTypeReader) Close() error { return r.call.Close() }

// ClientPutStream is the client side of a DoPut call. It implements
// DataStreamWriter for use with [NewRecordWriter]. Sending and receiving
// acknowledgements may proceed concurrently.
type ClientPutStream struct {
	call *clientCall
}

func (s *ClientPutStream) Context() context.Context { return s.call.ctx }

func (s *ClientPutStream) Send(d *FlightData) error { return s.call.sendMsg(d) }

// RecvResult returns the next acknowledgement, or io.EOF once the server has
// drained the upload and closed its side.
func (s *ClientPutStream) RecvResult() (*PutResult, error) {
	body, err := s.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var res PutResult
	if err := unmarshalBody(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CloseSend half-closes the upload direction, signalling the server that no
// more batches follow.
func (s *ClientPutStream) CloseSend() error { return s.call.closeSend() }

func (s *ClientPutStream) Close() error { return s.call.Close() }

// ClientExchangeStream is the client side of a DoExchange call: FlightData
// in both directions, each preserving its own send order. It implements both
// DataStreamWriter and DataStreamReader.
type ClientExchangeStream struct {
	call *clientCall
}

func (s *ClientExchangeStream) Context() context.Context { return s.call.ctx }

func (s *ClientExchangeStream) Send(d *FlightData) error { return s.call.sendMsg(d) }

func (s *ClientExchangeStream) Recv() (*FlightData, error) {
	body, err := s.call.recvMsg()
	if err != nil {
		return nil, err
	}
	var d FlightData
	if err := unmarshalBody(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *ClientExchangeStream) CloseSend() error { return s.call.closeSend() }

func (s *ClientExchangeStream) Close() error { return s.call.Close() }
