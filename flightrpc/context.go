// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import "context"

// CallInfo provides request-scoped information to server handlers.
type CallInfo struct {
	// Method is the name of the operation being invoked.
	Method string
	// RequestID is the client-supplied identifier for this call, echoed in
	// error responses.
	RequestID string
	// ServerID is the server identifier set via [Server.SetServerID].
	ServerID string
	// Peer is the remote address, when the transport exposes one.
	Peer string
	// Metadata holds the call metadata sent by the client, including any
	// authorization token. The core carries it opaquely and enforces nothing.
	Metadata map[string]string
}

// AuthToken returns the opaque authorization token attached to the call, or
// an empty string.
func (ci *CallInfo) AuthToken() string {
	if ci == nil {
		return ""
	}
	return ci.Metadata[MetaAuthorization]
}

type callInfoKey struct{}

func withCallInfo(ctx context.Context, info *CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the CallInfo of the current dispatch, or nil
// outside a server handler.
func CallInfoFromContext(ctx context.Context) *CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(*CallInfo)
	return info
}
