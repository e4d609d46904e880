// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// writeStub writes an executable shell script named name into dir.
func writeStub(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write %s stub: %v", name, err)
	}
	return path
}

// recordingExecutor records every command and answers through respond.
type recordingExecutor struct {
	mu      sync.Mutex
	calls   []Command
	respond func(c Command) (Result, error)
}

func (r *recordingExecutor) Execute(_ context.Context, c Command) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	if r.respond == nil {
		return Result{}, nil
	}
	return r.respond(c)
}

func (r *recordingExecutor) argv() []string {
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

// testChannel builds a channel whose binary is a no-op stub and whose
// commands go to x.
func testChannel(t *testing.T, x Executor, build func(Env, ...ChannelOption) (*Channel, error)) (*Channel, Env) {
	t.Helper()
	dir := t.TempDir()
	stub := writeStub(t, dir, "tool", "exit 0\n")
	env := Env{
		ADB:        stub,
		AvdMgr:     stub,
		SdkManager: stub,
		Xcrun:      stub,
		Context:    context.Background(),
	}
	ch, err := build(env, WithExecutor(x))
	if err != nil {
		t.Fatalf("build channel: %v", err)
	}
	return ch, env
}

type sleepRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, d)
	return s.err
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := deviceLogger
	deviceLogger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))
	t.Cleanup(func() { deviceLogger = previous })
	return &buf
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("failed to parse log line %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}
