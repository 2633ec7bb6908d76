// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Command is a structured payload carried opaquely inside FlightDescriptor
// command bytes, tickets, and action bodies. The core never interprets the
// bytes; only this layer's own decode can fail on them. Implementations
// register a factory via [RegisterCommand], the way gob types are registered
// once at startup.
type Command interface {
	// CommandKind returns the stable tag identifying the payload encoding.
	CommandKind() string
}

// CommandError reports a failure in the command layer, distinct from
// envelope and transport errors so callers can tell "the transport broke"
// from "the peer does not understand this command".
type CommandError struct {
	Kind    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Kind == "" {
		return "command error: " + e.Message
	}
	return fmt.Sprintf("command error (%s): %s", e.Kind, e.Message)
}

// Is supports errors.Is by matching any *CommandError target.
func (e *CommandError) Is(target error) bool {
	_, ok := target.(*CommandError)
	return ok
}

// ErrCommand is a sentinel for use with errors.Is.
var ErrCommand = &CommandError{}

// commandEnvelope tags command bytes with their kind.
type commandEnvelope struct {
	Kind string             `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

var (
	commandMu       sync.RWMutex
	commandRegistry = map[string]func() Command{}
)

// RegisterCommand registers a command kind. Must be called before packing or
// unpacking commands of that kind, typically from an init function.
// Registering the same kind twice panics.
func RegisterCommand(kind string, factory func() Command) {
	commandMu.Lock()
	defer commandMu.Unlock()
	if _, dup := commandRegistry[kind]; dup {
		panic(fmt.Sprintf("flightrpc: command kind %q registered twice", kind))
	}
	commandRegistry[kind] = factory
}

// PackCommand serializes a command into opaque bytes suitable for
// FlightDescriptor.Cmd, Ticket.Ticket, or Action.Body.
func PackCommand(cmd Command) ([]byte, error) {
	body, err := msgpack.Marshal(cmd)
	if err != nil {
		return nil, &CommandError{Kind: cmd.CommandKind(), Message: fmt.Sprintf("encoding: %v", err)}
	}
	data, err := msgpack.Marshal(&commandEnvelope{Kind: cmd.CommandKind(), Body: body})
	if err != nil {
		return nil, &CommandError{Kind: cmd.CommandKind(), Message: fmt.Sprintf("encoding envelope: %v", err)}
	}
	return data, nil
}

// UnpackCommand decodes opaque command bytes back into a registered command.
// Bytes of an unregistered kind fail with a CommandError; they are not a
// protocol error, since the core passes unrecognized commands through
// untouched.
func UnpackCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, &CommandError{Message: fmt.Sprintf("decoding envelope: %v", err)}
	}
	commandMu.RLock()
	factory, ok := commandRegistry[env.Kind]
	commandMu.RUnlock()
	if !ok {
		return nil, &CommandError{Kind: env.Kind, Message: "unknown command kind"}
	}
	cmd := factory()
	if err := msgpack.Unmarshal(env.Body, cmd); err != nil {
		return nil, &CommandError{Kind: env.Kind, Message: fmt.Sprintf("decoding body: %v", err)}
	}
	return cmd, nil
}

// CommandDescriptor packs a command into a CMD descriptor.
func CommandDescriptor(cmd Command) (*FlightDescriptor, error) {
	data, err := PackCommand(cmd)
	if err != nil {
		return nil, err
	}
	return NewCommandDescriptor(data), nil
}

// CommandTicket packs a command into a ticket.
func CommandTicket(cmd Command) (*Ticket, error) {
	data, err := PackCommand(cmd)
	if err != nil {
		return nil, err
	}
	return &Ticket{Ticket: data}, nil
}

// CommandAction packs a command into an action whose type tag is the command
// kind.
func CommandAction(cmd Command) (*Action, error) {
	data, err := PackCommand(cmd)
	if err != nil {
		return nil, err
	}
	return &Action{Type: cmd.CommandKind(), Body: data}, nil
}

// Built-in command kinds for a SQL front end layered on the core. A server is
// free to ignore them; they exist so prepared statements and query execution
// handles can ride the opaque descriptor, ticket, and action bytes without
// any change to the envelope or state machines.
const (
	CommandKindStatementQuery          = "flight_rpc.sql.statement_query"
	CommandKindPreparedStatementQuery  = "flight_rpc.sql.prepared_statement_query"
	CommandKindTicketStatementQuery    = "flight_rpc.sql.ticket_statement_query"
	CommandKindGetTables               = "flight_rpc.sql.get_tables"
	CommandKindCreatePreparedStatement = "flight_rpc.sql.create_prepared_statement"
	CommandKindClosePreparedStatement  = "flight_rpc.sql.close_prepared_statement"
)

// StatementQuery asks a server to plan and execute a query; carried in a CMD
// descriptor passed to GetFlightInfo.
type StatementQuery struct {
	Query         string `msgpack:"query"`
	TransactionID []byte `msgpack:"transaction_id,omitempty"`
}

func (*StatementQuery) CommandKind() string { return CommandKindStatementQuery }

// PreparedStatementQuery executes a previously prepared statement by handle.
type PreparedStatementQuery struct {
	Handle []byte `msgpack:"handle"`
}

func (*PreparedStatementQuery) CommandKind() string { return CommandKindPreparedStatementQuery }

// TicketStatementQuery is the ticket payload a server issues for statement
// results.
type TicketStatementQuery struct {
	Handle []byte `msgpack:"handle"`
}

func (*TicketStatementQuery) CommandKind() string { return CommandKindTicketStatementQuery }

// GetTables requests catalog metadata.
type GetTables struct {
	Catalog         string `msgpack:"catalog,omitempty"`
	DBSchemaFilter  string `msgpack:"db_schema_filter,omitempty"`
	TableNameFilter string `msgpack:"table_name_filter,omitempty"`
	IncludeSchema   bool   `msgpack:"include_schema,omitempty"`
}

func (*GetTables) CommandKind() string { return CommandKindGetTables }

// CreatePreparedStatement is an action body creating a prepared statement.
type CreatePreparedStatement struct {
	Query string `msgpack:"query"`
}

func (*CreatePreparedStatement) CommandKind() string { return CommandKindCreatePreparedStatement }

// ClosePreparedStatement is an action body releasing a prepared statement.
type ClosePreparedStatement struct {
	Handle []byte `msgpack:"handle"`
}

func (*ClosePreparedStatement) CommandKind() string { return CommandKindClosePreparedStatement }

func init() {
	RegisterCommand(CommandKindStatementQuery, func() Command { return &StatementQuery{} })
	RegisterCommand(CommandKindPreparedStatementQuery, func() Command { return &PreparedStatementQuery{} })
	RegisterCommand(CommandKindTicketStatementQuery, func() Command { return &TicketStatementQuery{} })
	RegisterCommand(CommandKindGetTables, func() Command { return &GetTables{} })
	RegisterCommand(CommandKindCreatePreparedStatement, func() Command { return &CreatePreparedStatement{} })
	RegisterCommand(CommandKindClosePreparedStatement, func() Command { return &ClosePreparedStatement{} })
}
