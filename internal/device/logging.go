// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var deviceLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogOutput redirects structured logs, e.g. to stderr when stdout carries
// machine-readable output.
func SetLogOutput(w io.Writer) {
	deviceLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func baseFields(env Env, fields []any) []any {
	all := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		all = append(all, "correlation_id", env.CorrelationID)
	}
	return append(all, fields...)
}

// LogEvent writes an info record enriched with the run's correlation id.
func LogEvent(env Env, message string, fields ...any) {
	deviceLogger.Info(message, baseFields(env, fields)...)
}

// LogWarn writes a warning record. Warnings never change a run's outcome.
func LogWarn(env Env, message string, fields ...any) {
	deviceLogger.Log(context.Background(), slog.LevelWarn, message, baseFields(env, fields)...)
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			LogEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newEmulatorLogWriter(env Env, fields ...any) io.Writer {
	return newLineLogWriterWithMessage(env, "emulator output", fields...)
}

func newCommandLogWriter(env Env, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}
