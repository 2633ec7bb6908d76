// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides the fixture handler for the flight_rpc
// protocol conformance test suite. It implements every operation —
// Handshake, discovery, data transfer, and actions — with scripted,
// deterministic behaviors selected through tickets, descriptors, and action
// types: counted batch sequences, empty datasets, dictionary-encoded
// columns, mid-stream errors, poll progressions, acknowledgement
// cardinalities, and cancellation probes.
//
// The only entry point intended for external use is [NewHandler]; pass the
// result to [flightrpc.NewServer]. Peer implementations run against the
// flight-rpc-conformance-go binary to check wire-level interoperability.
package conformance
