// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type testListTables struct {
	Catalog string `msgpack:"catalog"`
}

func (*testListTables) CommandKind() string { return "test.list_tables" }

func init() {
	RegisterCommand("test.list_tables", func() Command { return &testListTables{} })
}

func TestCommandRoundTrip(t *testing.T) {
	data, err := PackCommand(&testListTables{Catalog: "main"})
	require.NoError(t, err)

	cmd, err := UnpackCommand(data)
	require.NoError(t, err)
	lt, ok := cmd.(*testListTables)
	require.True(t, ok)
	assert.Equal(t, "main", lt.Catalog)
}

func TestCommandUnknownKind(t *testing.T) {
	data, err := msgpack.Marshal(&commandEnvelope{Kind: "test.never_registered", Body: []byte{0xc0}})
	require.NoError(t, err)

	_, err = UnpackCommand(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommand))
	assert.NotErrorIs(t, err, ErrFlight)
	assert.Contains(t, err.Error(), "unknown command kind")
}

func TestCommandGarbageBytes(t *testing.T) {
	_, err := UnpackCommand([]byte("opaque bytes the command layer never wrote"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommand))
}

func TestCommandDuplicateRegistrationPanics(t *testing.T) {
	assert.Panics(t, func() {
		RegisterCommand("test.list_tables", func() Command { return &testListTables{} })
	})
}

func TestCommandCarriers(t *testing.T) {
	cmd := &StatementQuery{Query: "SELECT 1"}

	desc, err := CommandDescriptor(cmd)
	require.NoError(t, err)
	require.NoError(t, desc.Validate())
	assert.Equal(t, DescriptorCmd, desc.Type)

	got, err := UnpackCommand(desc.Cmd)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	ticket, err := CommandTicket(&TicketStatementQuery{Handle: []byte("h1")})
	require.NoError(t, err)
	got, err = UnpackCommand(ticket.Ticket)
	require.NoError(t, err)
	assert.Equal(t, []byte("h1"), got.(*TicketStatementQuery).Handle)

	action, err := CommandAction(&CreatePreparedStatement{Query: "SELECT 2"})
	require.NoError(t, err)
	assert.Equal(t, CommandKindCreatePreparedStatement, action.Type)
	got, err = UnpackCommand(action.Body)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", got.(*CreatePreparedStatement).Query)
}

func TestBuiltinSQLCommandsRegistered(t *testing.T) {
	cmds := []Command{
		&StatementQuery{Query: "SELECT 1"},
		&PreparedStatementQuery{Handle: []byte("p")},
		&TicketStatementQuery{Handle: []byte("t")},
		&GetTables{Catalog: "main", IncludeSchema: true},
		&CreatePreparedStatement{Query: "SELECT 2"},
		&ClosePreparedStatement{Handle: []byte("p")},
	}
	for _, cmd := range cmds {
		data, err := PackCommand(cmd)
		require.NoError(t, err, cmd.CommandKind())
		got, err := UnpackCommand(data)
		require.NoError(t, err, cmd.CommandKind())
		assert.Equal(t, cmd, got)
	}
}
