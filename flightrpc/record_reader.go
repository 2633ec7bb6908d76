// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Reader decodes a stream of FlightData envelopes back into record batches.
// It owns the stream's dictionary table: dictionary envelopes are consumed
// transparently and a record batch referencing an unannounced dictionary id
// fails the stream. Each Reader's dictionary state is private to its stream;
// concurrent streams never share it.
//
// Envelope body buffers are wrapped, not copied: a decoded batch references
// the bytes of the envelope it arrived in. Release the batch (or retain it)
// before discarding the reader.
type Reader struct {
	r  *ipc.Reader
	mr *dataMessageReader

	// onRelease, if set, runs once when the reader is released. The client
	// uses it to tear down the call that feeds the stream.
	onRelease func()
}

// NewRecordReader opens a Reader over a data stream. The first envelope must
// carry the stream schema; anything else is a protocol error.
func NewRecordReader(stream DataStreamReader, opts ...ipc.Option) (*Reader, error) {
	mr := &dataMessageReader{stream: stream}
	r, err := ipc.NewReaderFromMessageReader(mr, opts...)
	if err != nil {
		// A call that fails before its first envelope surfaces here; keep
		// the peer's error code instead of reporting a framing problem.
		var fe *FlightError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, Protocolf("reading stream schema: %v", err)
	}
	return &Reader{r: r, mr: mr}, nil
}

// Schema returns the schema announced at stream start.
func (r *Reader) Schema() *arrow.Schema {
	return r.r.Schema()
}

// Next advances to the next record batch, consuming any interleaved
// dictionary envelopes. It returns false at end of stream or on error.
func (r *Reader) Next() bool {
	return r.r.Next()
}

// RecordBatch returns the current batch. It is only valid until the next call
// to Next unless retained.
func (r *Reader) RecordBatch() arrow.RecordBatch {
	return r.r.RecordBatch()
}

// Err returns the terminal stream error, if any. Decode failures (malformed
// header, field-count mismatch, unknown dictionary id) abort the stream and
// surface here; a clean end of stream is not an error.
func (r *Reader) Err() error {
	err := r.r.Err()
	if err == nil || err == io.EOF {
		return nil
	}
	if errors.Is(err, ErrFlight) {
		return err
	}
	return Protocolf("decoding flight data stream: %v", err)
}

// LatestAppMetadata returns the application metadata attached to the most
// recently received envelope.
func (r *Reader) LatestAppMetadata() []byte {
	return r.mr.appMetadata
}

// LatestFlightDescriptor returns the descriptor observed on the stream's
// first envelope, or nil if the sender attached none.
func (r *Reader) LatestFlightDescriptor() *FlightDescriptor {
	return r.mr.descriptor
}

// Release discards the reader and its dictionary state. Releasing before the
// stream is exhausted cancels the producing side.
func (r *Reader) Release() {
	r.r.Release()
	if r.onRelease != nil {
		r.onRelease()
		r.onRelease = nil
	}
}

// Retain increments the reader's reference count.
func (r *Reader) Retain() {
	r.r.Retain()
}

// dataMessageReader adapts a DataStreamReader to the IPC reader's message
// source, wrapping envelope buffers without copying.
type dataMessageReader struct {
	stream      DataStreamReader
	appMetadata []byte
	descriptor  *FlightDescriptor
}

func (d *dataMessageReader) Message() (*ipc.Message, error) {
	data, err := d.stream.Recv()
	if err != nil {
		return nil, err
	}
	if data.Descriptor != nil && d.descriptor == nil {
		d.descriptor = data.Descriptor
	}
	d.appMetadata = data.AppMetadata
	if len(data.DataHeader) == 0 {
		return nil, Protocolf("flight data envelope without IPC header")
	}
	return ipc.NewMessage(memory.NewBufferBytes(data.DataHeader), memory.NewBufferBytes(data.DataBody)), nil
}

func (d *dataMessageReader) Release() {}
func (d *dataMessageReader) Retain()  {}
