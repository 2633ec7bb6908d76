// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// MessageKind classifies the IPC header carried by one FlightData envelope.
type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageSchema
	MessageDictionaryBatch
	MessageRecordBatch
)

func (k MessageKind) String() string {
	switch k {
	case MessageSchema:
		return "schema"
	case MessageDictionaryBatch:
		return "dictionary batch"
	case MessageRecordBatch:
		return "record batch"
	default:
		return "unknown"
	}
}

// Flatbuffer vtable slots of the Arrow Message table and the values of its
// MessageHeader union tag, per the Arrow IPC format specification.
const (
	fbSlotHeaderType = 6
	fbSlotBodyLength = 10

	fbHeaderSchema          = 1
	fbHeaderDictionaryBatch = 2
	fbHeaderRecordBatch     = 3
)

// HeaderKind inspects raw IPC message metadata (the DataHeader of a
// FlightData) and reports which message it frames. Malformed headers report
// MessageUnknown; the full validation happens when the header reaches the IPC
// reader.
func HeaderKind(header []byte) MessageKind {
	kind := MessageUnknown
	inspectHeader(header, func(t *flatbuffers.Table) {
		o := t.Offset(fbSlotHeaderType)
		if o == 0 {
			return
		}
		switch t.GetByte(flatbuffers.UOffsetT(o) + t.Pos) {
		case fbHeaderSchema:
			kind = MessageSchema
		case fbHeaderDictionaryBatch:
			kind = MessageDictionaryBatch
		case fbHeaderRecordBatch:
			kind = MessageRecordBatch
		}
	})
	return kind
}

// headerBodyLength reads the declared body length from raw IPC message
// metadata. Returns -1 if the header cannot be parsed.
func headerBodyLength(header []byte) int64 {
	n := int64(-1)
	inspectHeader(header, func(t *flatbuffers.Table) {
		n = 0
		if o := t.Offset(fbSlotBodyLength); o != 0 {
			n = t.GetInt64(flatbuffers.UOffsetT(o) + t.Pos)
		}
	})
	return n
}

// DataKind classifies a FlightData envelope by its header.
func DataKind(d *FlightData) MessageKind {
	if d == nil || len(d.DataHeader) == 0 {
		return MessageUnknown
	}
	return HeaderKind(d.DataHeader)
}

// inspectHeader walks the root flatbuffer table of an IPC message header.
// Out-of-bounds accesses on hostile input surface as panics inside the
// flatbuffers runtime; they are swallowed so that callers see MessageUnknown
// instead of a crash.
func inspectHeader(header []byte, fn func(*flatbuffers.Table)) {
	if len(header) < 8 {
		return
	}
	pos := flatbuffers.GetUOffsetT(header)
	if int(pos)+4 > len(header) {
		return
	}
	defer func() {
		_ = recover()
	}()
	tab := &flatbuffers.Table{Bytes: header, Pos: pos}
	fn(tab)
}
