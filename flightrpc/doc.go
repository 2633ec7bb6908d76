// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package flightrpc implements a streaming transport for large columnar
// datasets: Arrow record batches travel as IPC messages wrapped in a small
// envelope, over any ordered, reliable byte-stream transport.
//
// A server publishes datasets behind opaque, server-defined identifiers. A
// client builds a [FlightDescriptor] (a path or an opaque command), resolves
// it with [Client.GetFlightInfo] into a [FlightInfo] — schema plus a list of
// [FlightEndpoint], each holding a [Ticket] and candidate locations — then
// streams the partition with [Client.DoGet]. Uploads mirror this through
// [Client.DoPut], which acknowledges asynchronously, and [Client.DoExchange]
// interleaves both directions over one call. [Client.DoAction] and
// [Client.ListActions] form a generic command channel independent of the
// dataset model.
//
// # Wire model
//
// Each batch is encoded as one or more [FlightData] envelopes: dictionary
// batches first (decoders always observe a dictionary before a batch that
// references it), then the record batch. The first envelope of every stream
// carries the schema. [NewRecordWriter] and [NewRecordReader] perform this
// encoding over the DataStreamWriter/DataStreamReader primitives; decoded
// batch buffers reference the received envelope's bytes rather than copying
// them. Dictionary state is owned per stream and never shared across
// concurrent calls.
//
// # Transport
//
// The transport collaborator is any io.ReadWriteCloser carrying an ordered
// reliable byte stream: a TCP or unix socket connection, a subprocess pipe,
// or net.Pipe in tests. Servers run [Server.Serve] over a listener or
// [Server.ServeConn] over a single connection; clients open one connection
// per call through their [DialFunc]. Cancellation and deadlines propagate in
// both directions; a consumer that stops early deterministically stops the
// producer. Servers may interleave client-directed log records with a call's
// payloads ([LoggerFromContext]); clients route them with
// [Client.SetLogHandler].
//
// # Extension commands
//
// Structured commands ride the opaque descriptor, ticket, and action bytes
// through a registry of tagged codecs ([RegisterCommand], [PackCommand],
// [UnpackCommand]). The core round-trips those bytes unmodified; higher
// protocols such as a SQL front end add command kinds without touching the
// envelope or the call state machines.
package flightrpc
