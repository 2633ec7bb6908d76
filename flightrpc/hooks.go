// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"sync/atomic"
)

// Method type string constants for DispatchInfo.MethodType.
const (
	DispatchMethodUnary  = "unary"
	DispatchMethodStream = "stream"
)

// DispatchHook provides observability callpoints around call dispatch.
// Implementations must be safe for concurrent use (connections are served
// concurrently).
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries call metadata passed to hooks.
type DispatchInfo struct {
	Method            string            // operation name, e.g. "DoGet"
	MethodType        string            // DispatchMethodUnary or DispatchMethodStream
	ServerID          string            // server identifier
	RequestID         string            // client-supplied request identifier
	TransportMetadata map[string]string // call metadata (trace context, authorization, ...)
}

// CallStatistics holds per-call I/O counters. Counts are in wire envelopes
// and payload bytes; the dispatch loop records them as frames move, so a hook
// must only read them after OnDispatchEnd fires.
type CallStatistics struct {
	InputMessages  int64
	OutputMessages int64
	InputBytes     int64
	OutputBytes    int64
}

// RecordInput adds one received payload to the counters.
func (s *CallStatistics) RecordInput(bytes int64) {
	atomic.AddInt64(&s.InputMessages, 1)
	atomic.AddInt64(&s.InputBytes, bytes)
}

// RecordOutput adds one sent payload to the counters.
func (s *CallStatistics) RecordOutput(bytes int64) {
	atomic.AddInt64(&s.OutputMessages, 1)
	atomic.AddInt64(&s.OutputBytes, bytes)
}
