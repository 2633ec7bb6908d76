// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient wires a client to a server over an in-memory pipe, one fresh
// connection per call.
func newTestClient(t *testing.T, h Handler, configure ...func(*Server)) *Client {
	t.Helper()
	srv := NewServer(h)
	srv.SetServerID("test-server")
	for _, fn := range configure {
		fn(srv)
	}
	return NewClient(func(ctx context.Context) (io.ReadWriteCloser, error) {
		sc, cc := net.Pipe()
		go srv.ServeConn(context.Background(), sc)
		return cc, nil
	})
}

// scriptedHandler drives every operation from the request payload so each
// test picks its behavior through tickets, descriptors, and action types.
type scriptedHandler struct {
	BaseHandler

	pollAttempts atomic.Int32
	doGetErr     chan error // receives the terminal Send error of "infinite" DoGet

	mu       sync.Mutex
	lastInfo *CallInfo
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{doGetErr: make(chan error, 1)}
}

func (h *scriptedHandler) record(ctx context.Context) {
	h.mu.Lock()
	h.lastInfo = CallInfoFromContext(ctx)
	h.mu.Unlock()
}

func (h *scriptedHandler) Handshake(_ context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	if string(req.Payload) == "auth-me" {
		return &HandshakeResponse{Token: []byte("session-token"), Payload: []byte("hello")}, nil
	}
	return &HandshakeResponse{}, nil
}

func (h *scriptedHandler) ListFlights(_ context.Context, criteria *Criteria, stream InfoStream) error {
	names := []string{"t1", "t2", "t3"}
	for _, name := range names {
		if len(criteria.Expression) > 0 && !strings.HasPrefix(name, string(criteria.Expression)) {
			continue
		}
		if err := stream.Send(&FlightInfo{
			Schema:       SerializeSchema(testSchema),
			Descriptor:   NewPathDescriptor(name),
			Endpoint:     []*FlightEndpoint{{Ticket: &Ticket{Ticket: []byte("seq:1")}}},
			TotalRecords: SizeUnknown,
			TotalBytes:   SizeUnknown,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *scriptedHandler) GetFlightInfo(ctx context.Context, desc *FlightDescriptor) (*FlightInfo, error) {
	h.record(ctx)
	if desc.Type == DescriptorPath && desc.Path[0] == "panic" {
		panic("scripted panic")
	}
	if desc.Type == DescriptorPath && desc.Path[0] == "missing" {
		return nil, NotFoundf("no dataset %q", desc.Path[0])
	}
	return &FlightInfo{
		Schema:     SerializeSchema(testSchema),
		Descriptor: desc,
		Endpoint: []*FlightEndpoint{
			{Ticket: &Ticket{Ticket: []byte("seq:3")}},
			{Ticket: &Ticket{Ticket: []byte("seq:2")}, Location: []Location{{URI: "tcp://replica:9090"}}},
		},
		TotalRecords: 5,
		TotalBytes:   SizeUnknown,
		Ordered:      true,
	}, nil
}

func (h *scriptedHandler) GetSchema(_ context.Context, desc *FlightDescriptor) (*SchemaResult, error) {
	return &SchemaResult{Schema: SerializeSchema(testSchema)}, nil
}

func (h *scriptedHandler) PollFlightInfo(_ context.Context, desc *FlightDescriptor) (*PollInfo, error) {
	n := h.pollAttempts.Add(1)
	if n < 3 {
		return &PollInfo{
			Info:       &FlightInfo{Descriptor: desc, TotalRecords: SizeUnknown, TotalBytes: SizeUnknown},
			Descriptor: NewPathDescriptor("poll", strconv.Itoa(int(n))),
			Progress:   float64(n) / 3,
			RetryAfter: 5 * time.Millisecond,
		}, nil
	}
	return &PollInfo{
		Info: &FlightInfo{
			Schema:       SerializeSchema(testSchema),
			Descriptor:   desc,
			Endpoint:     []*FlightEndpoint{{Ticket: &Ticket{Ticket: []byte("seq:1")}}},
			TotalRecords: 1,
			TotalBytes:   SizeUnknown,
		},
		Progress: 1,
	}, nil
}

func (h *scriptedHandler) DoGet(ctx context.Context, ticket *Ticket, stream *ServerDataStream) error {
	spec := string(ticket.Ticket)
	switch {
	case spec == "empty":
		w := NewRecordWriter(stream, ipc.WithSchema(testSchema))
		return w.Close()

	case strings.HasPrefix(spec, "seq:"):
		n, err := strconv.Atoi(spec[len("seq:"):])
		if err != nil {
			return InvalidArgumentf("bad ticket %q", spec)
		}
		w := NewRecordWriter(stream, ipc.WithSchema(testSchema))
		for i := 0; i < n; i++ {
			b := makeTestBatch([]int64{int64(i)}, []string{fmt.Sprintf("row-%d", i)})
			err := w.Write(b)
			b.Release()
			if err != nil {
				return err
			}
		}
		return w.Close()

	case spec == "infinite":
		w := NewRecordWriter(stream, ipc.WithSchema(testSchema))
		for i := 0; ; i++ {
			b := makeTestBatch([]int64{int64(i)}, []string{"x"})
			err := w.Write(b)
			b.Release()
			if err != nil {
				h.doGetErr <- err
				return err
			}
		}

	case spec == "wait-deadline":
		<-ctx.Done()
		w := NewRecordWriter(stream, ipc.WithSchema(testSchema))
		b := makeTestBatch([]int64{1}, []string{"late"})
		defer b.Release()
		if err := w.Write(b); err != nil {
			return err
		}
		return w.Close()

	default:
		return NotFoundf("unknown ticket %q", spec)
	}
}

func (h *scriptedHandler) DoPut(_ context.Context, stream *PutStream) error {
	rdr, err := NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	acks := 1
	if desc := rdr.LatestFlightDescriptor(); desc != nil && desc.Type == DescriptorPath && desc.Path[0] == "ack2" {
		acks = 2
	}

	var rows int64
	for rdr.Next() {
		rows += rdr.RecordBatch().NumRows()
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	for i := 0; i < acks; i++ {
		if err := stream.Ack(&PutResult{AppMetadata: []byte(fmt.Sprintf("rows=%d;ack=%d", rows, i))}); err != nil {
			return err
		}
	}
	return nil
}

func (h *scriptedHandler) DoExchange(_ context.Context, stream *ExchangeStream) error {
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

func (h *scriptedHandler) DoAction(ctx context.Context, action *Action, stream ResultStream) error {
	switch action.Type {
	case "echo":
		if err := stream.Send(&Result{Body: action.Body}); err != nil {
			return err
		}
		return stream.Send(&Result{Body: []byte("done")})
	case "boom":
		return InvalidArgumentf("action rejected: %s", action.Body)
	case "log":
		logger := LoggerFromContext(ctx)
		if err := logger.Log(LogInfo, "starting work", map[string]string{"stage": "1"}); err != nil {
			return err
		}
		if err := logger.Log(LogWarn, "work was trivial", nil); err != nil {
			return err
		}
		return stream.Send(&Result{Body: []byte("logged")})
	default:
		return Unimplementedf("unknown action %q", action.Type)
	}
}

func (h *scriptedHandler) ListActions(_ context.Context, stream ActionStream) error {
	if err := stream.Send(&ActionType{Type: "echo", Description: "echo the body back"}); err != nil {
		return err
	}
	return stream.Send(&ActionType{Type: "boom", Description: "always fails"})
}

// --- Tests ---

func TestHandshakeAndAuthToken(t *testing.T) {
	h := newScriptedHandler()
	client := newTestClient(t, h)

	resp, err := client.Handshake(context.Background(), &HandshakeRequest{Payload: []byte("auth-me")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Payload)
	require.NotEmpty(t, resp.Token)

	client.SetAuthToken(string(resp.Token))
	_, err = client.GetFlightInfo(context.Background(), NewPathDescriptor("t1"))
	require.NoError(t, err)

	h.mu.Lock()
	info := h.lastInfo
	h.mu.Unlock()
	require.NotNil(t, info)
	assert.Equal(t, "session-token", info.AuthToken())
	assert.Equal(t, MethodGetFlightInfo, info.Method)
	assert.Equal(t, "test-server", info.ServerID)
	assert.NotEmpty(t, info.RequestID)
}

func TestGetFlightInfo(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	info, err := client.GetFlightInfo(context.Background(), NewPathDescriptor("t1"))
	require.NoError(t, err)

	schema, err := DeserializeSchema(info.Schema)
	require.NoError(t, err)
	assert.True(t, testSchema.Equal(schema))
	require.Len(t, info.Endpoint, 2)
	assert.Empty(t, info.Endpoint[0].Location, "empty location list means the current connection")
	assert.Equal(t, "tcp://replica:9090", info.Endpoint[1].Location[0].URI)
	assert.Equal(t, int64(5), info.TotalRecords)
	assert.Equal(t, SizeUnknown, info.TotalBytes)
	assert.True(t, info.Ordered)
}

func TestGetFlightInfoNotFound(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	_, err := client.GetFlightInfo(context.Background(), NewPathDescriptor("missing"))
	require.Error(t, err)
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeNotFound, fe.Code)
	assert.NotEmpty(t, fe.RequestID)
}

func TestGetFlightInfoInvalidDescriptor(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	// Rejected locally, before anything is dialed.
	_, err := client.GetFlightInfo(context.Background(), &FlightDescriptor{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, err.(*FlightError).Code)
}

func TestGetSchema(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	res, err := client.GetSchema(context.Background(), NewPathDescriptor("t1"))
	require.NoError(t, err)
	schema, err := DeserializeSchema(res.Schema)
	require.NoError(t, err)
	assert.True(t, testSchema.Equal(schema))
}

func TestListFlights(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.ListFlights(context.Background(), nil)
	require.NoError(t, err)
	defer stream.Close()

	var names []string
	for {
		info, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, info.Descriptor.Path[0])
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, names)
}

func TestDoGetSequence(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	rdr, err := client.DoGet(context.Background(), &Ticket{Ticket: []byte("seq:50")})
	require.NoError(t, err)
	defer rdr.Release()

	assert.True(t, testSchema.Equal(rdr.Schema()))
	var ids []int64
	for rdr.Next() {
		col := rdr.RecordBatch().Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
	}
	require.NoError(t, rdr.Err())
	require.Len(t, ids, 50)
	for i, id := range ids {
		assert.Equal(t, int64(i), id, "messages must arrive in emission order")
	}
}

func TestDoGetEmptyDataset(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	rdr, err := client.DoGet(context.Background(), &Ticket{Ticket: []byte("empty")})
	require.NoError(t, err)
	defer rdr.Release()

	assert.True(t, testSchema.Equal(rdr.Schema()))
	assert.False(t, rdr.Next())
	assert.NoError(t, rdr.Err())
}

func TestDoGetUnknownTicket(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	rdr, err := client.DoGet(context.Background(), &Ticket{Ticket: []byte("nope")})
	if err == nil {
		// The error may arrive instead of the schema envelope.
		assert.False(t, rdr.Next())
		err = rdr.Err()
		rdr.Release()
	}
	require.Error(t, err)
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeNotFound, fe.Code)
}

func TestDoGetCancellation(t *testing.T) {
	h := newScriptedHandler()
	client := newTestClient(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdr, err := client.DoGet(ctx, &Ticket{Ticket: []byte("infinite")})
	require.NoError(t, err)
	defer rdr.Release()

	for i := 0; i < 3; i++ {
		require.True(t, rdr.Next())
	}
	cancel()

	// The producer must observe cancellation at one of its next sends, not
	// run to stream end.
	select {
	case err := <-h.doGetErr:
		var fe *FlightError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, CodeCancelled, fe.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("producer never observed cancellation")
	}
}

// A cancel frame sent after the request side has already half-closed must
// still reach the running call.
func TestCancelFrameAfterHalfClose(t *testing.T) {
	srv := NewServer(newScriptedHandler())
	sc, cc := net.Pipe()
	go srv.ServeConn(context.Background(), sc)
	defer cc.Close()

	conn := newFrameConn(cc, false)
	ticketBody, err := marshalBody(&Ticket{Ticket: []byte("infinite")})
	require.NoError(t, err)
	reqBody, err := marshalBody(&callRequest{
		Method:    MethodDoGet,
		Version:   ProtocolVersion,
		RequestID: "r-cancel",
		Body:      ticketBody,
	})
	require.NoError(t, err)
	require.NoError(t, conn.writeFrame(&frame{Kind: frameRequest, Body: reqBody}))
	require.NoError(t, conn.writeFrame(&frame{Kind: frameDone}))

	for i := 0; i < 3; i++ {
		f, err := conn.readFrame()
		require.NoError(t, err)
		require.Equal(t, frameMessage, f.Kind)
	}
	require.NoError(t, conn.writeFrame(&frame{Kind: frameCancel}))

	// A few in-flight payloads may still arrive before the terminal error.
	for {
		f, err := conn.readFrame()
		require.NoError(t, err)
		if f.Kind == frameMessage {
			continue
		}
		require.Equal(t, frameError, f.Kind)
		var we wireError
		require.NoError(t, unmarshalBody(f.Body, &we))
		assert.Equal(t, string(CodeCancelled), we.Code)
		assert.Equal(t, "r-cancel", we.RequestID)
		return
	}
}

func TestDoGetDeadline(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rdr, err := client.DoGet(ctx, &Ticket{Ticket: []byte("wait-deadline")})
	if err == nil {
		assert.False(t, rdr.Next())
		err = rdr.Err()
		if err == nil {
			err = ctx.Err()
		}
		rdr.Release()
	}
	require.Error(t, err)
}

func TestDoPut(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	batches := []struct {
		ids   []int64
		names []string
	}{
		{[]int64{1, 2}, []string{"a", "b"}},
		{[]int64{3}, []string{"c"}},
		{[]int64{4, 5, 6}, []string{"d", "e", "f"}},
	}
	b0 := makeTestBatch(batches[0].ids, batches[0].names)
	defer b0.Release()
	b1 := makeTestBatch(batches[1].ids, batches[1].names)
	defer b1.Release()
	b2 := makeTestBatch(batches[2].ids, batches[2].names)
	defer b2.Release()

	results, err := client.PutRecordBatches(context.Background(),
		NewPathDescriptor("uploads"), testSchema, b0, b1, b2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "rows=6;ack=0", string(results[0].AppMetadata))
}

func TestDoPutAckCardinality(t *testing.T) {
	// Three batches, two acknowledgements: ack cardinality is the server's
	// choice and is not one-per-batch.
	client := newTestClient(t, newScriptedHandler())

	b := makeTestBatch([]int64{1}, []string{"a"})
	defer b.Release()

	results, err := client.PutRecordBatches(context.Background(),
		NewPathDescriptor("ack2"), testSchema, b, b, b)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "rows=3;ack=0", string(results[0].AppMetadata))
	assert.Equal(t, "rows=3;ack=1", string(results[1].AppMetadata))
}

func TestDoExchange(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.DoExchange(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	b := makeTestBatch([]int64{7, 8}, []string{"x", "y"})
	defer b.Release()

	w := NewRecordWriter(stream, ipc.WithSchema(testSchema))
	require.NoError(t, w.Write(b))
	require.NoError(t, w.Close())
	require.NoError(t, stream.CloseSend())

	rdr, err := NewRecordReader(stream)
	require.NoError(t, err)
	defer rdr.Release()

	require.True(t, rdr.Next())
	assert.True(t, batchEqual(b, rdr.RecordBatch()))
	assert.False(t, rdr.Next())
	assert.NoError(t, rdr.Err())
}

func TestDoAction(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.DoAction(context.Background(), &Action{Type: "echo", Body: []byte("ping")})
	require.NoError(t, err)
	defer stream.Close()

	r1, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), r1.Body)
	r2, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), r2.Body)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestDoActionError(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.DoAction(context.Background(), &Action{Type: "boom", Body: []byte("why")})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.Error(t, err)
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInvalidArgument, fe.Code)
	assert.Contains(t, fe.Message, "why")
}

func TestDoActionUnknown(t *testing.T) {
	// An unsupported action is an application-level UNIMPLEMENTED, not a
	// framing failure: the error arrives through the normal error channel.
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.DoAction(context.Background(), &Action{Type: "mystery"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnimplemented, fe.Code)
}

func TestClientDirectedLogging(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	var mu sync.Mutex
	var logs []LogMessage
	client.SetLogHandler(func(m LogMessage) {
		mu.Lock()
		logs = append(logs, m)
		mu.Unlock()
	})

	stream, err := client.DoAction(context.Background(), &Action{Type: "log"})
	require.NoError(t, err)
	defer stream.Close()

	res, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("logged"), res.Body)
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)

	// Log frames precede the result on the same ordered connection, so both
	// records have been delivered by now.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, logs, 2)
	assert.Equal(t, LogInfo, logs[0].Level)
	assert.Equal(t, "starting work", logs[0].Message)
	assert.Equal(t, "1", logs[0].Extras["stage"])
	assert.Equal(t, LogWarn, logs[1].Level)
}

func TestListActions(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	stream, err := client.ListActions(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	var types []string
	for {
		at, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, at.Type)
	}
	assert.Equal(t, []string{"echo", "boom"}, types)
}

func TestPollFlightInfo(t *testing.T) {
	h := newScriptedHandler()
	client := newTestClient(t, h)

	desc := NewPathDescriptor("building")
	var poll *PollInfo
	var progress []float64
	for {
		var err error
		poll, err = client.PollFlightInfo(context.Background(), desc)
		require.NoError(t, err)
		progress = append(progress, poll.Progress)
		if poll.Complete() {
			break
		}
		if poll.Descriptor != nil {
			desc = poll.Descriptor
		}
		time.Sleep(poll.RetryAfter)
	}

	assert.Equal(t, int32(3), h.pollAttempts.Load())
	require.Len(t, progress, 3)
	assert.Less(t, progress[0], progress[1])
	assert.Equal(t, float64(1), progress[2])
	require.NotNil(t, poll.Info)
	assert.Len(t, poll.Info.Endpoint, 1)
}

func TestUnimplementedDefaults(t *testing.T) {
	client := newTestClient(t, &BaseHandler{})

	_, err := client.GetFlightInfo(context.Background(), NewPathDescriptor("t"))
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnimplemented, fe.Code)

	stream, err := client.ListActions(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	_, err = stream.Recv()
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnimplemented, fe.Code)
}

func TestHandlerPanicBecomesInternal(t *testing.T) {
	client := newTestClient(t, newScriptedHandler())

	_, err := client.GetFlightInfo(context.Background(), NewPathDescriptor("panic"))
	var fe *FlightError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInternal, fe.Code)
	assert.Contains(t, fe.Message, "scripted panic")
}

func TestVersionMismatch(t *testing.T) {
	srv := NewServer(newScriptedHandler())
	sc, cc := net.Pipe()
	go srv.ServeConn(context.Background(), sc)
	defer cc.Close()

	conn := newFrameConn(cc, false)
	body, err := marshalBody(&callRequest{Method: MethodListActions, Version: "99", RequestID: "r1"})
	require.NoError(t, err)
	require.NoError(t, conn.writeFrame(&frame{Kind: frameRequest, Body: body}))

	f, err := conn.readFrame()
	require.NoError(t, err)
	require.Equal(t, frameError, f.Kind)

	var we wireError
	require.NoError(t, unmarshalBody(f.Body, &we))
	assert.Equal(t, string(CodeProtocol), we.Code)
	assert.Equal(t, "r1", we.RequestID)
	assert.Contains(t, we.Message, "99")
}

func TestCompressionEndToEnd(t *testing.T) {
	client := newTestClient(t, newScriptedHandler(), func(s *Server) { s.SetCompression(true) })
	client.SetCompression(true)

	rdr, err := client.DoGet(context.Background(), &Ticket{Ticket: []byte("seq:10")})
	require.NoError(t, err)
	defer rdr.Release()

	n := 0
	for rdr.Next() {
		n++
	}
	require.NoError(t, rdr.Err())
	assert.Equal(t, 10, n)
}

func TestDispatchHookObservesCall(t *testing.T) {
	hook := &recordingHook{}
	client := newTestClient(t, newScriptedHandler(), func(s *Server) {
		s.SetServiceName("TestService")
		s.SetDispatchHook(hook)
	})

	rdr, err := client.DoGet(context.Background(), &Ticket{Ticket: []byte("seq:3")})
	require.NoError(t, err)
	for rdr.Next() {
	}
	require.NoError(t, rdr.Err())
	rdr.Release()

	// OnDispatchEnd fires after the final frame, so it may trail the
	// client's end-of-stream slightly.
	require.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(hook.ended) == 1
	}, 5*time.Second, 5*time.Millisecond)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	end := hook.ended[0]
	assert.Equal(t, MethodDoGet, end.info.Method)
	assert.Equal(t, DispatchMethodStream, end.info.MethodType)
	assert.Equal(t, "test-server", end.info.ServerID)
	assert.NoError(t, end.err)
	assert.Equal(t, "token-1", end.token)
	// Schema envelope plus three batch envelopes.
	assert.Equal(t, int64(4), end.stats.OutputMessages)
	assert.Zero(t, end.stats.InputMessages)
	assert.Positive(t, end.stats.OutputBytes)
}

func TestDispatchHookPanicDoesNotKillCall(t *testing.T) {
	client := newTestClient(t, newScriptedHandler(), func(s *Server) {
		s.SetDispatchHook(panickyHook{})
	})

	_, err := client.GetSchema(context.Background(), NewPathDescriptor("t1"))
	require.NoError(t, err)
}

type hookEnd struct {
	info  DispatchInfo
	stats *CallStatistics
	err   error
	token HookToken
}

type recordingHook struct {
	mu    sync.Mutex
	ended []hookEnd
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, _ DispatchInfo) (context.Context, HookToken) {
	return ctx, "token-1"
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	h.mu.Lock()
	h.ended = append(h.ended, hookEnd{info: info, stats: stats, err: err, token: token})
	h.mu.Unlock()
}

type panickyHook struct{}

func (panickyHook) OnDispatchStart(context.Context, DispatchInfo) (context.Context, HookToken) {
	panic("hook start")
}

func (panickyHook) OnDispatchEnd(context.Context, HookToken, DispatchInfo, *CallStatistics, error) {
	panic("hook end")
}
