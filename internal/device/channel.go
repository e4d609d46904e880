// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Command is one argv invocation. It never goes through a shell.
type Command struct {
	Path  string
	Args  []string
	Stdin string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns trimmed stdout, falling back to stderr when stdout is empty.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stderr)
}

func (r Result) Err(cmd Command) error {
	if r.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("%s exited with status %d\n%s", cmd, r.ExitCode, r.Output())
}

// Executor runs a command synchronously. A non-zero exit status is reported
// in Result.ExitCode; the error is reserved for commands that could not run.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

type execExecutor struct {
	env Env
}

// NewExecExecutor returns an Executor backed by os/exec that streams stderr
// lines into the structured log.
func NewExecExecutor(env Env) Executor { return execExecutor{env: env} }

func (x execExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, newCommandLogWriter(x.env, c.Path, c.Args))
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", c, err)
	}
	return res, nil
}

// Channel executes commands against one device-management binary. The binary
// is resolved once at construction.
type Channel struct {
	env        Env
	bin        string
	prefix     []string
	serialFlag string
	exec       Executor
}

// ChannelOption customises a Channel.
type ChannelOption func(*Channel)

// WithExecutor replaces the os/exec backed executor.
func WithExecutor(x Executor) ChannelOption {
	return func(c *Channel) { c.exec = x }
}

func newChannel(env Env, explicit, tool string, opts ...ChannelOption) (*Channel, error) {
	bin, err := ResolveTool(explicit, env.SDKRoot, tool)
	if err != nil {
		return nil, err
	}
	c := &Channel{env: env, bin: bin}
	for _, o := range opts {
		o(c)
	}
	if c.exec == nil {
		c.exec = NewExecExecutor(env)
	}
	return c, nil
}

// NewADBChannel targets adb; serials are passed as "-s <serial>".
func NewADBChannel(env Env, opts ...ChannelOption) (*Channel, error) {
	c, err := newChannel(env, env.ADB, "adb", opts...)
	if err != nil {
		return nil, err
	}
	c.serialFlag = "-s"
	return c, nil
}

func NewAVDManagerChannel(env Env, opts ...ChannelOption) (*Channel, error) {
	return newChannel(env, env.AvdMgr, "avdmanager", opts...)
}

func NewSDKManagerChannel(env Env, opts ...ChannelOption) (*Channel, error) {
	return newChannel(env, env.SdkManager, "sdkmanager", opts...)
}

// NewSimctlChannel targets "xcrun simctl"; UDIDs are positional arguments.
func NewSimctlChannel(env Env, opts ...ChannelOption) (*Channel, error) {
	c, err := newChannel(env, env.Xcrun, "xcrun", opts...)
	if err != nil {
		return nil, err
	}
	c.prefix = []string{"simctl"}
	return c, nil
}

// Bin returns the resolved binary path.
func (c *Channel) Bin() string { return c.bin }

func (c *Channel) command(serial, stdin string, args []string) Command {
	argv := make([]string, 0, len(c.prefix)+len(args)+2)
	argv = append(argv, c.prefix...)
	if serial != "" && c.serialFlag != "" {
		argv = append(argv, c.serialFlag, serial)
	}
	argv = append(argv, args...)
	return Command{Path: c.bin, Args: argv, Stdin: stdin}
}

// Execute runs args against the binary, targeting serial when non-empty.
func (c *Channel) Execute(ctx context.Context, serial string, args ...string) (Result, error) {
	return c.run(ctx, c.command(serial, "", args))
}

// ExecuteWithInput is Execute with stdin attached.
func (c *Channel) ExecuteWithInput(ctx context.Context, stdin string, args ...string) (Result, error) {
	return c.run(ctx, c.command("", stdin, args))
}

func (c *Channel) run(ctx context.Context, cmd Command) (Result, error) {
	ctx, span := StartSpan(ctx, c.env, "device.Execute",
		attribute.String("bin", cmd.Path),
		attribute.String("args", strings.Join(cmd.Args, " ")),
	)
	defer span.End()
	res, err := c.exec.Execute(ctx, cmd)
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	RecordSpanError(span, err)
	return res, err
}
