// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
)

const (
	minEmulatorPort = 5554
	maxEmulatorPort = 5800
)

// EmulatorLauncher starts detached Android emulator processes.
type EmulatorLauncher struct {
	env      Env
	emulator string
	adb      *Channel
}

// NewEmulatorLauncher resolves the emulator binary. adb is used to make sure
// the server is up before the emulator registers with it.
func NewEmulatorLauncher(env Env, adb *Channel) (*EmulatorLauncher, error) {
	bin, err := ResolveTool(env.Emulator, env.SDKRoot, "emulator")
	if err != nil {
		return nil, err
	}
	return &EmulatorLauncher{env: env, emulator: bin, adb: adb}, nil
}

// EmulatorArgs builds the boot-acceleration command line for spec.
func EmulatorArgs(spec Spec) []string {
	return []string{
		"-avd", spec.Name,
		"-port", fmt.Sprint(spec.Port),
		"-wipe-data",
		"-no-boot-anim",
		"-no-snapshot",
		"-no-snapshot-save",
		"-no-audio",
		"-no-window",
		"-no-metrics",
		"-gpu", "swiftshader_indirect",
	}
}

// ValidateEmulatorPort checks that port is even and inside the console range.
func ValidateEmulatorPort(port int) error {
	// emulator uses a pair: <port> and <port+1>; must be even
	if port%2 != 0 {
		return NewError(KindConfiguration, "port",
			fmt.Errorf("port %d is odd; emulator requires even port numbers (uses port and port+1)", port))
	}
	if port < minEmulatorPort || port > maxEmulatorPort {
		return NewError(KindConfiguration, "port",
			fmt.Errorf("port %d out of valid range (%d-%d)", port, minEmulatorPort, maxEmulatorPort))
	}
	return nil
}

// ValidateSpec rejects specs the emulator cannot start, without touching
// any device.
func (l *EmulatorLauncher) ValidateSpec(spec Spec) error {
	return ValidateEmulatorPort(spec.Port)
}

// Launch starts the emulator and returns as soon as the process is running.
// Readiness is the Boot Waiter's job.
func (l *EmulatorLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	ctx, span := StartSpan(ctx, l.env, "device.Launch",
		attribute.String("name", spec.Name),
		attribute.Int("port", spec.Port),
	)
	defer span.End()
	LogEvent(l.env, "emulator start requested", "name", spec.Name, "port", spec.Port)

	if err := ValidateEmulatorPort(spec.Port); err != nil {
		RecordSpanError(span, err)
		return Handle{}, err
	}
	if l.adb != nil {
		if _, err := l.adb.Execute(ctx, "", "start-server"); err != nil {
			LogWarn(l.env, "adb start-server failed", "error", err.Error())
		}
	}

	logDir := l.env.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("emulator-%s-%d.log", spec.Name, spec.Port))
	logFile, err := os.Create(logPath)
	if err != nil {
		RecordSpanError(span, err)
		return Handle{}, fmt.Errorf("open log: %w", err)
	}
	logWriter := newEmulatorLogWriter(l.env, "name", spec.Name, "port", spec.Port, "log_path", logPath)

	// Not bound to ctx: the emulator outlives this call and is stopped
	// through the registry.
	cmd := exec.Command(l.emulator, EmulatorArgs(spec)...)
	cmd.Stdout = io.MultiWriter(logFile, logWriter)
	cmd.Stderr = io.MultiWriter(logFile, logWriter)
	cmd.Env = append(os.Environ(), "QEMU_FILE_LOCKING=off")
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		RecordSpanError(span, err)
		LogEvent(l.env, "emulator start failed", "name", spec.Name, "port", spec.Port, "error", err.Error(), "log_path", logPath)
		return Handle{}, NewError(KindProvisioning, spec.Name, fmt.Errorf("emulator start: %w", err))
	}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	serial := fmt.Sprintf("emulator-%d", spec.Port)
	span.SetAttributes(
		attribute.String("serial", serial),
		attribute.Int("pid", cmd.Process.Pid),
		attribute.String("log_path", logPath),
	)
	LogEvent(l.env, "emulator started",
		"name", spec.Name,
		"port", spec.Port,
		"serial", serial,
		"pid", cmd.Process.Pid,
		"log_path", logPath,
	)
	return Handle{Serial: serial, Port: spec.Port, Name: spec.Name, State: StateBooting}, nil
}
