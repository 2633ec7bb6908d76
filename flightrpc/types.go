// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// DescriptorType identifies how a FlightDescriptor names a dataset.
type DescriptorType uint8

const (
	// DescriptorUnknown is the zero value; descriptors of this type fail validation.
	DescriptorUnknown DescriptorType = iota
	// DescriptorPath identifies a dataset by an ordered list of path segments.
	DescriptorPath
	// DescriptorCmd identifies a dataset by an opaque command payload.
	DescriptorCmd
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorPath:
		return "PATH"
	case DescriptorCmd:
		return "CMD"
	default:
		return "UNKNOWN"
	}
}

// FlightDescriptor is the client-supplied identity of a dataset: either a
// structured path or an opaque command understood by the server. Exactly one
// of Path and Cmd must be populated.
type FlightDescriptor struct {
	Type DescriptorType `msgpack:"type"`
	Path []string       `msgpack:"path,omitempty"`
	Cmd  []byte         `msgpack:"cmd,omitempty"`
}

// NewPathDescriptor builds a path-based descriptor.
func NewPathDescriptor(segments ...string) *FlightDescriptor {
	return &FlightDescriptor{Type: DescriptorPath, Path: segments}
}

// NewCommandDescriptor builds a command-based descriptor carrying opaque bytes.
func NewCommandDescriptor(cmd []byte) *FlightDescriptor {
	return &FlightDescriptor{Type: DescriptorCmd, Cmd: cmd}
}

// Validate checks the exactly-one-of-path-or-command invariant.
func (d *FlightDescriptor) Validate() error {
	if d == nil {
		return InvalidArgumentf("nil flight descriptor")
	}
	switch d.Type {
	case DescriptorPath:
		if len(d.Path) == 0 {
			return InvalidArgumentf("path descriptor with empty path")
		}
		if len(d.Cmd) != 0 {
			return InvalidArgumentf("path descriptor must not carry a command")
		}
	case DescriptorCmd:
		if len(d.Cmd) == 0 {
			return InvalidArgumentf("command descriptor with empty command")
		}
		if len(d.Path) != 0 {
			return InvalidArgumentf("command descriptor must not carry a path")
		}
	default:
		return InvalidArgumentf("descriptor type must be PATH or CMD")
	}
	return nil
}

func (d *FlightDescriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	if d.Type == DescriptorCmd {
		return fmt.Sprintf("CMD(%d bytes)", len(d.Cmd))
	}
	return "PATH(" + strings.Join(d.Path, "/") + ")"
}

// Ticket is a server-issued opaque capability authorizing retrieval of one
// dataset partition. Clients present it verbatim to DoGet and must not
// assume any internal structure.
type Ticket struct {
	Ticket []byte `msgpack:"ticket"`
}

// Location is a reachable network address for an endpoint. The URI is opaque
// to this layer and interpreted by whatever dials the transport.
type Location struct {
	URI string `msgpack:"uri"`
}

// FlightEndpoint describes one retrievable partition of a dataset: the ticket
// to present and the locations it is valid at. An empty location list means
// "use the connection the FlightInfo was obtained on".
type FlightEndpoint struct {
	Ticket         *Ticket    `msgpack:"ticket"`
	Location       []Location `msgpack:"location,omitempty"`
	ExpirationTime time.Time  `msgpack:"expiration_time,omitempty"`
	AppMetadata    []byte     `msgpack:"app_metadata,omitempty"`
}

// SizeUnknown is the sentinel for FlightInfo totals the server cannot report.
const SizeUnknown int64 = -1

// FlightInfo is the discovery result for one descriptor. The endpoint list
// may be empty: the dataset is known but currently has no retrievable
// partitions, which is distinct from an error.
type FlightInfo struct {
	Schema       []byte            `msgpack:"schema,omitempty"` // IPC-serialized, see SerializeSchema
	Descriptor   *FlightDescriptor `msgpack:"descriptor,omitempty"`
	Endpoint     []*FlightEndpoint `msgpack:"endpoint,omitempty"`
	TotalRecords int64             `msgpack:"total_records"`
	TotalBytes   int64             `msgpack:"total_bytes"`
	Ordered      bool              `msgpack:"ordered,omitempty"`
	AppMetadata  []byte            `msgpack:"app_metadata,omitempty"`
}

// SchemaResult carries just the IPC-serialized schema of a dataset.
type SchemaResult struct {
	Schema []byte `msgpack:"schema"`
}

// PollInfo is the result of one PollFlightInfo round. Info holds the
// best-known (possibly partial) FlightInfo. A zero RetryAfter means the
// dataset is fully materialized and the client should stop polling.
type PollInfo struct {
	Info           *FlightInfo       `msgpack:"info,omitempty"`
	Descriptor     *FlightDescriptor `msgpack:"descriptor,omitempty"` // descriptor to use for the next poll
	Progress       float64           `msgpack:"progress"`             // 0..1, or negative if unknown
	ExpirationTime time.Time         `msgpack:"expiration_time,omitempty"`
	RetryAfter     time.Duration     `msgpack:"retry_after,omitempty"`
}

// Complete reports whether polling is finished.
func (p *PollInfo) Complete() bool {
	return p.RetryAfter == 0
}

// Criteria is the opaque filter expression passed to ListFlights. An empty
// expression matches all datasets.
type Criteria struct {
	Expression []byte `msgpack:"expression,omitempty"`
}

// Action is a generic command invocation: a type tag naming the action and an
// opaque body whose encoding is determined by the tag.
type Action struct {
	Type string `msgpack:"type"`
	Body []byte `msgpack:"body,omitempty"`
}

// Result is one opaque chunk of a DoAction result stream.
type Result struct {
	Body []byte `msgpack:"body,omitempty"`
}

// ActionType describes one action a server supports.
type ActionType struct {
	Type        string `msgpack:"type"`
	Description string `msgpack:"description,omitempty"`
}

// PutResult is a server acknowledgement emitted during DoPut. The server
// chooses its own acknowledgement granularity; callers must not assume one
// PutResult per uploaded batch.
type PutResult struct {
	AppMetadata []byte `msgpack:"app_metadata,omitempty"`
}

// HandshakeRequest opens the single-round-trip negotiation.
type HandshakeRequest struct {
	ProtocolVersion string `msgpack:"protocol_version"`
	Payload         []byte `msgpack:"payload,omitempty"`
}

// HandshakeResponse completes the negotiation. Token, if non-empty, is an
// opaque credential the client should attach to subsequent calls.
type HandshakeResponse struct {
	Payload []byte `msgpack:"payload,omitempty"`
	Token   []byte `msgpack:"token,omitempty"`
}

// SerializeSchema returns the IPC stream encoding of a schema (a schema
// message followed by end-of-stream), suitable for FlightInfo.Schema and
// SchemaResult.Schema.
func SerializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// DeserializeSchema reconstructs a schema serialized by SerializeSchema.
func DeserializeSchema(data []byte) (*arrow.Schema, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, Protocolf("deserializing schema: %v", err)
	}
	defer rdr.Release()
	return rdr.Schema(), nil
}
