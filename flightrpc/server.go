// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Handler is the server-side surface of the protocol, one method per
// operation. Stream-shaped operations receive their stream as an argument;
// returning a non-nil error terminates the call with that error on the wire.
// Embed [BaseHandler] to implement only a subset.
type Handler interface {
	Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error)
	ListFlights(ctx context.Context, criteria *Criteria, stream InfoStream) error
	GetFlightInfo(ctx context.Context, desc *FlightDescriptor) (*FlightInfo, error)
	GetSchema(ctx context.Context, desc *FlightDescriptor) (*SchemaResult, error)
	PollFlightInfo(ctx context.Context, desc *FlightDescriptor) (*PollInfo, error)
	DoGet(ctx context.Context, ticket *Ticket, stream *ServerDataStream) error
	DoPut(ctx context.Context, stream *PutStream) error
	DoExchange(ctx context.Context, stream *ExchangeStream) error
	DoAction(ctx context.Context, action *Action, stream ResultStream) error
	ListActions(ctx context.Context, stream ActionStream) error
}

// BaseHandler implements every operation as UNIMPLEMENTED.
type BaseHandler struct{}

func (BaseHandler) Handshake(context.Context, *HandshakeRequest) (*HandshakeResponse, error) {
	return nil, Unimplementedf("Handshake is not implemented")
}

func (BaseHandler) ListFlights(context.Context, *Criteria, InfoStream) error {
	return Unimplementedf("ListFlights is not implemented")
}

func (BaseHandler) GetFlightInfo(context.Context, *FlightDescriptor) (*FlightInfo, error) {
	return nil, Unimplementedf("GetFlightInfo is not implemented")
}

func (BaseHandler) GetSchema(context.Context, *FlightDescriptor) (*SchemaResult, error) {
	return nil, Unimplementedf("GetSchema is not implemented")
}

func (BaseHandler) PollFlightInfo(context.Context, *FlightDescriptor) (*PollInfo, error) {
	return nil, Unimplementedf("PollFlightInfo is not implemented")
}

func (BaseHandler) DoGet(context.Context, *Ticket, *ServerDataStream) error {
	return Unimplementedf("DoGet is not implemented")
}

func (BaseHandler) DoPut(context.Context, *PutStream) error {
	return Unimplementedf("DoPut is not implemented")
}

func (BaseHandler) DoExchange(context.Context, *ExchangeStream) error {
	return Unimplementedf("DoExchange is not implemented")
}

func (BaseHandler) DoAction(context.Context, *Action, ResultStream) error {
	return Unimplementedf("DoAction is not implemented")
}

func (BaseHandler) ListActions(context.Context, ActionStream) error {
	return Unimplementedf("ListActions is not implemented")
}

// Server dispatches incoming calls on framed transport connections to a
// Handler. Connections are served concurrently; calls on one connection are
// sequential.
type Server struct {
	handler      Handler
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	compress     bool
}

// NewServer creates a server around a handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// SetServerID sets a server identifier exposed to handlers via CallInfo.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetCompression enables zstd compression of outbound frames. Inbound
// compressed frames are always accepted.
func (s *Server) SetCompression(enabled bool) {
	s.compress = enabled
}

// Serve accepts connections from the listener until it fails, serving each
// connection on its own goroutine.
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := s.ServeConn(context.Background(), conn); err != nil && !isTransportClosed(err) {
				slog.Error("connection serve error", "err", err)
			}
		}()
	}
}

// ServeConn serves the calls arriving on one transport connection until the
// peer disconnects or ctx is cancelled. Clients open one connection per call,
// so in practice a connection carries exactly one conversation.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := newFrameConn(rwc, s.compress)
	defer conn.Close()

	peer := ""
	if nc, ok := rwc.(net.Conn); ok {
		peer = nc.RemoteAddr().String()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.serveCall(ctx, conn, peer)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// serveCall handles one complete call conversation. A returned error means
// the connection is no longer usable.
func (s *Server) serveCall(ctx context.Context, conn *frameConn, peer string) error {
	f, err := conn.readFrame()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading request frame: %w", err)
	}
	if f.Kind != frameRequest {
		return Protocolf("expected request frame, got kind %d", f.Kind)
	}
	var req callRequest
	if err := unmarshalBody(f.Body, &req); err != nil {
		return err
	}
	if req.Version != ProtocolVersion {
		werr := &FlightError{
			Code:      CodeProtocol,
			Message:   fmt.Sprintf("unsupported protocol version %q, expected %q", req.Version, ProtocolVersion),
			RequestID: req.RequestID,
		}
		// The conversation framing is unknown at a version mismatch, so the
		// connection is abandoned after reporting the error.
		call := &serverCall{conn: conn, req: &req}
		_ = call.sendError(werr)
		return werr
	}

	// Per-call context: deadline from metadata, cancel on client cancel
	// frame or transport failure.
	callCtx := ctx
	var cancelDeadline context.CancelFunc
	if ns, ok := req.Metadata[MetaDeadline]; ok {
		if v, err := strconv.ParseInt(ns, 10, 64); err == nil {
			callCtx, cancelDeadline = context.WithDeadline(callCtx, time.Unix(0, v))
			defer cancelDeadline()
		}
	}
	callCtx, cancel := context.WithCancelCause(callCtx)
	defer cancel(nil)

	callCtx = withCallInfo(callCtx, &CallInfo{
		Method:    req.Method,
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Peer:      peer,
		Metadata:  req.Metadata,
	})

	stats := &CallStatistics{}
	call := newServerCall(callCtx, cancel, conn, &req, stats)
	callCtx = withCallLogger(callCtx, &Logger{call: call})

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		MethodType:        methodDispatchType(req.Method),
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(callCtx, dispatchInfo)
			if hookCtx != nil {
				callCtx = hookCtx
			}
			hookActive = true
		}()
	}

	handlerErr := s.dispatch(callCtx, call)

	var transportErr error
	if handlerErr != nil {
		transportErr = call.sendError(handlerErr)
	} else {
		transportErr = call.sendDone()
	}
	call.finish()

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.dispatchHook.OnDispatchEnd(callCtx, hookToken, dispatchInfo, stats, handlerErr)
		}()
	}

	if transportErr != nil {
		return fmt.Errorf("writing call result: %w", transportErr)
	}
	if call.readErr != nil && call.readErr != io.EOF {
		return call.readErr
	}
	return nil
}

// dispatch decodes the request body and invokes the handler for one
// operation. Handler panics become INTERNAL errors instead of taking the
// connection down.
func (s *Server) dispatch(ctx context.Context, call *serverCall) (handlerErr error) {
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("handler panic", "method", call.req.Method, "err", rv)
			handlerErr = Errorf(CodeInternal, "handler panic: %v", rv)
		}
	}()

	switch call.req.Method {
	case MethodHandshake:
		var req HandshakeRequest
		if err := unmarshalBody(call.req.Body, &req); err != nil {
			return err
		}
		resp, err := s.handler.Handshake(ctx, &req)
		if err != nil {
			return err
		}
		return call.sendMessage(resp)

	case MethodListFlights:
		var criteria Criteria
		if err := unmarshalBody(call.req.Body, &criteria); err != nil {
			return err
		}
		return s.handler.ListFlights(ctx, &criteria, infoSender{call})

	case MethodGetFlightInfo:
		desc, err := decodeDescriptor(call.req.Body)
		if err != nil {
			return err
		}
		info, err := s.handler.GetFlightInfo(ctx, desc)
		if err != nil {
			return err
		}
		return call.sendMessage(info)

	case MethodGetSchema:
		desc, err := decodeDescriptor(call.req.Body)
		if err != nil {
			return err
		}
		result, err := s.handler.GetSchema(ctx, desc)
		if err != nil {
			return err
		}
		return call.sendMessage(result)

	case MethodPollFlightInfo:
		desc, err := decodeDescriptor(call.req.Body)
		if err != nil {
			return err
		}
		poll, err := s.handler.PollFlightInfo(ctx, desc)
		if err != nil {
			return err
		}
		return call.sendMessage(poll)

	case MethodDoGet:
		var ticket Ticket
		if err := unmarshalBody(call.req.Body, &ticket); err != nil {
			return err
		}
		return s.handler.DoGet(ctx, &ticket, &ServerDataStream{call: call})

	case MethodDoPut:
		return s.handler.DoPut(ctx, &PutStream{call: call})

	case MethodDoExchange:
		return s.handler.DoExchange(ctx, &ExchangeStream{call: call})

	case MethodDoAction:
		var action Action
		if err := unmarshalBody(call.req.Body, &action); err != nil {
			return err
		}
		return s.handler.DoAction(ctx, &action, resultSender{call})

	case MethodListActions:
		return s.handler.ListActions(ctx, actionSender{call})

	default:
		return Unimplementedf("unknown method %q", call.req.Method)
	}
}

func decodeDescriptor(body []byte) (*FlightDescriptor, error) {
	var desc FlightDescriptor
	if err := unmarshalBody(body, &desc); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

func methodDispatchType(method string) string {
	switch method {
	case MethodHandshake, MethodGetFlightInfo, MethodGetSchema, MethodPollFlightInfo:
		return DispatchMethodUnary
	default:
		return DispatchMethodStream
	}
}

// isTransportClosed returns true for errors that indicate the transport was
// closed normally.
func isTransportClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed") ||
		strings.Contains(msg, "EOF")
}
