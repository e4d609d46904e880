// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// findEmulatorProcess looks for an emulator or qemu process started with
// "-port <port>".
func findEmulatorProcess(ctx context.Context, port int) (*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(port)
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		if !strings.Contains(args[0], "emulator") && !strings.Contains(args[0], "qemu-system") {
			continue
		}
		for i := 0; i+1 < len(args); i++ {
			if args[i] == "-port" && args[i+1] == want {
				return p, nil
			}
		}
	}
	return nil, nil
}

// stopEmulatorProcess terminates the emulator bound to port, escalating to
// SIGKILL if it ignores SIGTERM. A missing process is not an error.
func stopEmulatorProcess(ctx context.Context, port int) error {
	p, err := findEmulatorProcess(ctx, port)
	if err != nil {
		return fmt.Errorf("scan processes: %w", err)
	}
	if p == nil {
		return nil
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return nil
		}
		return fmt.Errorf("terminate emulator pid %d: %w", p.Pid, err)
	}
	exited, err := waitForExit(ctx, func() bool {
		running, _ := p.IsRunningWithContext(ctx)
		return running
	}, 3*time.Second, 200*time.Millisecond)
	if exited {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wait for emulator pid %d: %w", p.Pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill emulator pid %d: %w", p.Pid, err)
	}
	return nil
}

// waitForExit polls running every poll interval until it reports false or
// grace elapses. It stops early with ctx's error when ctx is done.
func waitForExit(ctx context.Context, running func() bool, grace, poll time.Duration) (bool, error) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		if !running() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return !running(), nil
		case <-tick.C:
		}
	}
}
