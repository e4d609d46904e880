// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// BootCompleteSentinel is the probe response of a fully booted device.
const BootCompleteSentinel = "1"

const maxBackoff = 30 * time.Second

// Prober reads a device's boot-completion property.
type Prober interface {
	Probe(ctx context.Context, serial string) (string, error)
}

// ADBBootProbe reads sys.boot_completed.
type ADBBootProbe struct {
	adb *Channel
}

func NewADBBootProbe(adb *Channel) *ADBBootProbe { return &ADBBootProbe{adb: adb} }

func (p *ADBBootProbe) Probe(ctx context.Context, serial string) (string, error) {
	res, err := p.adb.Execute(ctx, serial, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return "", err
	}
	return res.Output(), nil
}

// Backoff returns the pause after the given attempt: min(1+2^attempt, 30)s.
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Duration(1+math.Pow(2, float64(attempt))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// BootWaiter polls a Prober with exponential backoff.
type BootWaiter struct {
	env   Env
	probe Prober
	sleep Sleeper
}

func NewBootWaiter(env Env, probe Prober) *BootWaiter {
	return &BootWaiter{env: env, probe: probe, sleep: sleepContext}
}

func (w *BootWaiter) WithSleeper(s Sleeper) *BootWaiter {
	w.sleep = s
	return w
}

// WaitForBoot polls until the probe returns the sentinel or maxAttempts
// polls have failed. Offline and unauthorized responses are logged and
// count as a failed poll; they never abort the wait on their own.
func (w *BootWaiter) WaitForBoot(ctx context.Context, serial string, maxAttempts int) BootAttempt {
	ctx, span := StartSpan(ctx, w.env, "device.WaitForBoot",
		attribute.String("serial", serial),
		attribute.Int("max_attempts", maxAttempts),
	)
	defer span.End()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := BootAttempt{Outcome: OutcomePending}
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", result.Outcome.String()),
			attribute.Int("attempts", result.Number),
		)
	}()

	for {
		resp, err := w.probe.Probe(ctx, serial)
		result.Response = resp
		if err != nil {
			RecordSpanError(span, err)
			LogWarn(w.env, "boot probe failed", "serial", serial, "error", err.Error())
			result.Outcome = OutcomeDeviceError
			result.Err = err
			return result
		}
		if resp == BootCompleteSentinel {
			result.Number++
			result.Outcome = OutcomeBooted
			LogEvent(w.env, "device booted", "serial", serial, "attempts", result.Number, "waited", result.Wait.String())
			return result
		}
		if state := classifyProbe(resp); state != StateUnknown || resp == "" {
			LogWarn(w.env, "device not ready", "serial", serial, "state", state.String(), "response", resp)
		}

		result.Number++
		if result.Number >= maxAttempts {
			result.Outcome = OutcomeTimedOut
			LogWarn(w.env, "wait for boot timeout", "serial", serial, "attempts", result.Number,
				"waited", result.Wait.String(), "response", resp)
			return result
		}
		pause := Backoff(result.Number)
		LogEvent(w.env, "waiting for boot", "serial", serial,
			"attempt", result.Number, "max_attempts", maxAttempts, "sleep", pause.String())
		if err := w.sleep(ctx, pause); err != nil {
			RecordSpanError(span, err)
			result.Outcome = OutcomeDeviceError
			result.Err = err
			return result
		}
		result.Wait += pause
	}
}

func classifyProbe(resp string) BootState {
	lower := strings.ToLower(resp)
	switch {
	case strings.Contains(lower, "unauthorized"):
		return StateUnauthorized
	case strings.Contains(lower, "offline"), strings.Contains(lower, "not found"):
		return StateOffline
	}
	return StateUnknown
}
