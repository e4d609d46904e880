// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.opentelemetry.io/otel/attribute"
)

// FlowRunner invokes the Maestro CLI. The flow tool is opaque: only its exit
// status matters.
type FlowRunner struct {
	env    Env
	bin    string
	stdout io.Writer
	stderr io.Writer
}

func NewFlowRunner(env Env) (*FlowRunner, error) {
	bin, err := ResolveTool(env.Maestro, "", "maestro")
	if err != nil {
		return nil, err
	}
	return &FlowRunner{env: env, bin: bin, stdout: os.Stdout, stderr: os.Stderr}, nil
}

// WithOutput redirects the tool's output streams.
func (f *FlowRunner) WithOutput(stdout, stderr io.Writer) *FlowRunner {
	f.stdout, f.stderr = stdout, stderr
	return f
}

// ValidateFlow checks that the flow file or directory exists.
func ValidateFlow(path string) error {
	if path == "" {
		return NewError(KindConfiguration, "flow", errors.New("empty flow path"))
	}
	if _, err := os.Stat(path); err != nil {
		return NewError(KindConfiguration, "flow", err)
	}
	return nil
}

// FlowArgs builds `[--device <serial>] test <flow>`.
func FlowArgs(serial, flow string) []string {
	var args []string
	if serial != "" {
		args = append(args, "--device", serial)
	}
	return append(args, "test", flow)
}

// Run executes the flow against serial. A non-zero exit is a
// TestExecution error.
func (f *FlowRunner) Run(ctx context.Context, serial, flow string) error {
	ctx, span := StartSpan(ctx, f.env, "device.RunFlow",
		attribute.String("serial", serial),
		attribute.String("flow", flow),
	)
	defer span.End()
	if err := ValidateFlow(flow); err != nil {
		RecordSpanError(span, err)
		return err
	}
	args := FlowArgs(serial, flow)
	LogEvent(f.env, "running flow", "serial", serial, "flow", flow)
	cmd := exec.CommandContext(ctx, f.bin, args...)
	cmd.Stdout = f.stdout
	cmd.Stderr = f.stderr
	if err := cmd.Run(); err != nil {
		RecordSpanError(span, err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			span.SetAttributes(attribute.Int("exit_code", exitErr.ExitCode()))
			return NewError(KindTestExecution, flow, fmt.Errorf("maestro exited with status %d", exitErr.ExitCode()))
		}
		return NewError(KindTestExecution, flow, err)
	}
	LogEvent(f.env, "flow passed", "serial", serial, "flow", flow)
	return nil
}
