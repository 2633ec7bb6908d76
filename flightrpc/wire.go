// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// FlightData is the wire envelope for one columnar IPC message. DataHeader
// holds the IPC flatbuffer metadata (schema, record batch, or dictionary
// batch); DataBody holds the corresponding buffers, absent for schema-only
// messages. The descriptor rides only on the first envelope of an upload
// stream. All fields are named so that envelopes written by newer peers with
// additional fields still decode.
type FlightData struct {
	Descriptor  *FlightDescriptor `msgpack:"descriptor,omitempty"`
	DataHeader  []byte            `msgpack:"data_header,omitempty"`
	DataBody    []byte            `msgpack:"data_body,omitempty"`
	AppMetadata []byte            `msgpack:"app_metadata,omitempty"`
}

// wireSize is the envelope's contribution to transfer statistics.
func (d *FlightData) wireSize() int64 {
	return int64(len(d.DataHeader) + len(d.DataBody) + len(d.AppMetadata))
}

// DataStreamWriter is the outbound half of the transport stream primitive the
// codec writes to. Send suspends until the transport accepts the message;
// backpressure is expressed by that suspension.
type DataStreamWriter interface {
	Send(*FlightData) error
}

// DataStreamReader is the inbound half of the transport stream primitive.
// Recv returns io.EOF after the peer half-closes its direction.
type DataStreamReader interface {
	Recv() (*FlightData, error)
}

// frameKind discriminates the frames of one call conversation.
type frameKind uint8

const (
	frameRequest frameKind = iota + 1 // opens a call; body is a callRequest
	frameMessage                      // one call payload (FlightData, FlightInfo, ...)
	frameDone                         // half-close of the sender's direction
	frameError                        // terminates the call with a FlightError
	frameCancel                       // consumer stopped; producer must release resources
	frameLog                          // client-directed log record; body is a LogMessage
)

type frame struct {
	Kind frameKind `msgpack:"kind"`
	Body []byte    `msgpack:"body,omitempty"`
}

// callRequest is the body of a frameRequest.
type callRequest struct {
	Method    string            `msgpack:"method"`
	Version   string            `msgpack:"version"`
	RequestID string            `msgpack:"request_id,omitempty"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
	Body      []byte            `msgpack:"body,omitempty"`
}

// wireError is the body of a frameError.
type wireError struct {
	Code      string `msgpack:"code"`
	Message   string `msgpack:"message"`
	RequestID string `msgpack:"request_id,omitempty"`
}

func (e *wireError) toFlightError() *FlightError {
	return &FlightError{Code: ErrorCode(e.Code), Message: e.Message, RequestID: e.RequestID}
}

const (
	// maxFrameSize bounds a single frame; larger frames are a framing error,
	// not an allocation request.
	maxFrameSize = 1 << 30

	// compressThreshold is the smallest payload worth running through zstd.
	compressThreshold = 1 << 10

	flagCompressed = 0x01
)

// shared zstd state; EncodeAll/DecodeAll on these are concurrency-safe.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdOnce    sync.Once
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

// frameConn frames a reliable byte stream into length-delimited msgpack
// frames: a u32 little-endian payload length, one flag byte, and the payload.
// Writes are serialized; reads belong to a single per-call reader goroutine.
type frameConn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	wmu      sync.Mutex
	bw       *bufio.Writer
	compress bool

	closeOnce sync.Once
	closeErr  error
}

func newFrameConn(rwc io.ReadWriteCloser, compress bool) *frameConn {
	zstdInit()
	return &frameConn{
		rwc:      rwc,
		br:       bufio.NewReader(rwc),
		bw:       bufio.NewWriter(rwc),
		compress: compress,
	}
}

func (c *frameConn) writeFrame(f *frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	var flags byte
	if c.compress && len(payload) >= compressThreshold {
		payload = zstdEncoder.EncodeAll(payload, nil)
		flags |= flagCompressed
	}

	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = flags

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *frameConn) readFrame() (*frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:4])
	if n > maxFrameSize {
		return nil, Protocolf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, err
	}
	if hdr[4]&flagCompressed != 0 {
		payload, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, Protocolf("decompressing frame: %v", err)
		}
		return decodeFrame(payload)
	}
	return decodeFrame(payload)
}

func decodeFrame(payload []byte) (*frame, error) {
	var f frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, Protocolf("decoding frame: %v", err)
	}
	if f.Kind == 0 {
		return nil, Protocolf("frame without kind")
	}
	return &f, nil
}

func (c *frameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// marshalBody encodes a call payload for a message or request frame.
func marshalBody(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, Protocolf("encoding %T: %v", v, err)
	}
	return b, nil
}

func unmarshalBody(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return Protocolf("decoding %T: %v", v, err)
	}
	return nil
}
