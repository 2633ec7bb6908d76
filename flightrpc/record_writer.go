// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"bytes"
	"encoding/binary"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Writer encodes record batches onto a data stream, one FlightData envelope
// per IPC message. The first envelope of a stream carries the schema; each
// batch containing new or changed dictionaries is preceded by its dictionary
// envelopes, so a decoder always observes a dictionary before the batch that
// references it.
type Writer struct {
	w   *ipc.Writer
	spl *messageSplitter
}

// NewRecordWriter creates a Writer over a data stream. The schema must be
// supplied via ipc.WithSchema. Dictionary deltas are enabled so repeated
// dictionaries are only re-sent when they change.
func NewRecordWriter(stream DataStreamWriter, opts ...ipc.Option) *Writer {
	spl := &messageSplitter{stream: stream}
	opts = append([]ipc.Option{ipc.WithDictionaryDeltas(true)}, opts...)
	return &Writer{
		w:   ipc.NewWriter(spl, opts...),
		spl: spl,
	}
}

// SetFlightDescriptor attaches a descriptor to the first envelope written,
// identifying the target dataset of an upload stream.
func (w *Writer) SetFlightDescriptor(d *FlightDescriptor) {
	w.spl.descriptor = d
}

// Write encodes one batch. Zero-row batches are valid and round-trip.
func (w *Writer) Write(batch arrow.RecordBatch) error {
	return w.w.Write(batch)
}

// WriteWithAppMetadata encodes one batch and attaches application metadata to
// its record-batch envelope (not to any preceding dictionary envelopes).
func (w *Writer) WriteWithAppMetadata(batch arrow.RecordBatch, appMetadata []byte) error {
	w.spl.appMetadata = appMetadata
	err := w.w.Write(batch)
	w.spl.appMetadata = nil
	return err
}

// Close flushes the schema if no batch was ever written (a schema-only stream
// is how an empty dataset is transferred) and releases the IPC writer. It
// does not half-close the underlying stream.
func (w *Writer) Close() error {
	return w.w.Close()
}

// messageSplitter is the io.Writer handed to the IPC writer. It reassembles
// the byte stream into encapsulated IPC messages and forwards each as one
// FlightData. The IPC writer may deliver a message across several Write
// calls, so parsing is incremental.
type messageSplitter struct {
	stream      DataStreamWriter
	buf         bytes.Buffer
	descriptor  *FlightDescriptor
	appMetadata []byte
	sentFirst   bool
}

const ipcContinuation = 0xFFFFFFFF

func (s *messageSplitter) Write(p []byte) (int, error) {
	s.buf.Write(p)
	if err := s.flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush emits every complete message currently buffered.
func (s *messageSplitter) flush() error {
	for {
		b := s.buf.Bytes()
		if len(b) < 4 {
			return nil
		}

		// Encapsulated message framing: continuation marker, u32 metadata
		// length, flatbuffer metadata, body. Pre-0.15 streams omit the marker.
		metaStart := 4
		metaLen := binary.LittleEndian.Uint32(b[:4])
		if metaLen == ipcContinuation {
			if len(b) < 8 {
				return nil
			}
			metaLen = binary.LittleEndian.Uint32(b[4:8])
			metaStart = 8
		}
		if metaLen == 0 {
			// End-of-stream marker. The frame layer signals stream end
			// itself, so the marker is consumed without an envelope.
			s.buf.Next(metaStart)
			continue
		}
		if len(b) < metaStart+int(metaLen) {
			return nil
		}
		header := b[metaStart : metaStart+int(metaLen)]
		bodyLen := headerBodyLength(header)
		if bodyLen < 0 {
			return Protocolf("encoder produced unparsable IPC header")
		}
		total := metaStart + int(metaLen) + int(bodyLen)
		if len(b) < total {
			return nil
		}

		data := &FlightData{
			DataHeader: append([]byte(nil), header...),
			DataBody:   append([]byte(nil), b[metaStart+int(metaLen):total]...),
		}
		if !s.sentFirst {
			data.Descriptor = s.descriptor
			s.sentFirst = true
		}
		if s.appMetadata != nil && HeaderKind(data.DataHeader) == MessageRecordBatch {
			data.AppMetadata = s.appMetadata
		}
		s.buf.Next(total)

		if err := s.stream.Send(data); err != nil {
			return err
		}
	}
}
