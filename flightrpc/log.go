// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package flightrpc

import (
	"context"
	"log/slog"
)

// LogLevel represents the severity of a client-directed log record.
type LogLevel string

const (
	// LogError indicates a recoverable error condition.
	LogError LogLevel = "ERROR"
	// LogWarn indicates a warning that may require attention.
	LogWarn LogLevel = "WARN"
	// LogInfo indicates a normal informational message.
	LogInfo LogLevel = "INFO"
	// LogDebug indicates a verbose diagnostic message.
	LogDebug LogLevel = "DEBUG"
)

// LogMessage is a log record a server emits to the client of the current
// call, interleaved with the call's payloads. It is advisory: peers that do
// not understand log frames skip them.
type LogMessage struct {
	Level   LogLevel          `msgpack:"level"`
	Message string            `msgpack:"message"`
	Extras  map[string]string `msgpack:"extras,omitempty"`
}

func (m *LogMessage) slogLevel() slog.Level {
	switch m.Level {
	case LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Logger sends client-directed log records on the call it was taken from.
// Obtain one inside a handler with [LoggerFromContext].
type Logger struct {
	call *serverCall
}

// Log emits one record to the calling client. On a nil Logger (outside a
// dispatch) the record goes to the process log instead.
func (l *Logger) Log(level LogLevel, msg string, extras map[string]string) error {
	m := &LogMessage{Level: level, Message: msg, Extras: extras}
	if l == nil || l.call == nil {
		logLocally(m)
		return nil
	}
	body, err := marshalBody(m)
	if err != nil {
		return err
	}
	return l.call.conn.writeFrame(&frame{Kind: frameLog, Body: body})
}

func logLocally(m *LogMessage) {
	args := make([]any, 0, len(m.Extras)*2)
	for k, v := range m.Extras {
		args = append(args, k, v)
	}
	slog.Log(context.Background(), m.slogLevel(), m.Message, args...)
}

type callLoggerKey struct{}

func withCallLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, callLoggerKey{}, l)
}

// LoggerFromContext returns the client-directed logger of the current
// dispatch. Safe to call outside a handler; the returned nil Logger logs
// locally.
func LoggerFromContext(ctx context.Context) *Logger {
	l, _ := ctx.Value(callLoggerKey{}).(*Logger)
	return l
}

// LogHandler receives client-directed log records on the client side.
type LogHandler func(LogMessage)

// slogLogHandler is the default: forward remote records to the process log,
// tagged with their origin.
func slogLogHandler(m LogMessage) {
	args := make([]any, 0, len(m.Extras)*2+2)
	args = append(args, "origin", "remote")
	for k, v := range m.Extras {
		args = append(args, k, v)
	}
	slog.Log(context.Background(), m.slogLevel(), m.Message, args...)
}
