// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Sleeper pauses between device operations. It returns early with the
// context's error when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ADBRegistry lists and kills Android devices through adb.
type ADBRegistry struct {
	env   Env
	adb   *Channel
	sleep Sleeper
	// stopProcess is the fallback used when the console kill leaves the
	// emulator running.
	stopProcess func(ctx context.Context, port int) error
}

func NewADBRegistry(env Env, adb *Channel) *ADBRegistry {
	return &ADBRegistry{env: env, adb: adb, sleep: sleepContext, stopProcess: stopEmulatorProcess}
}

// WithSleeper swaps the settle-delay sleeper.
func (r *ADBRegistry) WithSleeper(s Sleeper) *ADBRegistry {
	r.sleep = s
	return r
}

func (r *ADBRegistry) ListDevices(ctx context.Context) ([]Handle, error) {
	ctx, span := StartSpan(ctx, r.env, "device.ListDevices", attribute.String("platform", string(Android)))
	defer span.End()
	res, err := r.adb.Execute(ctx, "", "devices")
	if err != nil {
		RecordSpanError(span, err)
		return nil, err
	}
	handles := ParseADBDevices(res.Stdout)
	span.SetAttributes(attribute.Int("devices", len(handles)))
	return handles, nil
}

// ParseADBDevices parses `adb devices` output. Lines that are not
// "<serial> <state>" records are skipped.
func ParseADBDevices(out string) []Handle {
	handles := []Handle{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		h := Handle{Serial: f[0], State: adbState(f[1])}
		if strings.HasPrefix(h.Serial, "emulator-") {
			if n, err := strconv.Atoi(strings.TrimPrefix(h.Serial, "emulator-")); err == nil {
				h.Port = n
			}
		}
		handles = append(handles, h)
	}
	return handles
}

func adbState(s string) BootState {
	switch s {
	case "device":
		// The transport is online; sys.boot_completed decides Booted.
		return StateBooting
	case "offline":
		return StateOffline
	case "unauthorized":
		return StateUnauthorized
	}
	return StateUnknown
}

// Kill stops one device and waits the settle delay.
func (r *ADBRegistry) Kill(ctx context.Context, h Handle) error {
	ctx, span := StartSpan(ctx, r.env, "device.Kill",
		attribute.String("serial", h.Serial),
		attribute.Int("port", h.Port),
	)
	defer span.End()
	LogEvent(r.env, "device kill requested", "serial", h.Serial, "port", h.Port)

	res, err := r.adb.Execute(ctx, h.Serial, "emu", "kill")
	if err == nil {
		err = res.Err(r.adb.command(h.Serial, "", []string{"emu", "kill"}))
	}
	if serr := r.sleep(ctx, r.env.SettleDelay); serr != nil {
		return serr
	}
	if h.Port > 0 && r.stopProcess != nil {
		// Console kill is asynchronous; make sure the process is gone.
		if perr := r.stopProcess(ctx, h.Port); perr != nil {
			RecordSpanError(span, perr)
			return perr
		}
		err = nil
	}
	if err != nil {
		RecordSpanError(span, err)
		return err
	}
	LogEvent(r.env, "device killed", "serial", h.Serial)
	return nil
}

// KillAll kills every handle and applies one more settle delay after the
// batch. Individual failures are logged and the first one is returned.
func (r *ADBRegistry) KillAll(ctx context.Context, handles []Handle) error {
	return killAll(ctx, r.env, r.sleep, handles, r.Kill)
}

func killAll(ctx context.Context, env Env, sleep Sleeper, handles []Handle, kill func(context.Context, Handle) error) error {
	if len(handles) == 0 {
		return nil
	}
	var first error
	for _, h := range handles {
		if err := kill(ctx, h); err != nil {
			LogWarn(env, "device kill failed", "serial", h.Serial, "error", err.Error())
			if first == nil {
				first = err
			}
		}
	}
	if err := sleep(ctx, env.SettleDelay); err != nil && first == nil {
		first = err
	}
	return first
}
