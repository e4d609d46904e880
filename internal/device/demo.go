// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Overrides is the cosmetic state forced for reproducible screenshots.
type Overrides struct {
	Clock        string // HHMM, e.g. "0941"
	BatteryLevel int
	SignalBars   int // 0-4
}

func DefaultOverrides() Overrides {
	return Overrides{Clock: "0941", BatteryLevel: 100, SignalBars: 4}
}

// Location is a fixed GPS position.
type Location struct {
	Latitude  float64
	Longitude float64
}

// ParseLocation parses "lat,lon". An empty string yields nil.
func ParseLocation(s string) (*Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, NewError(KindConfiguration, "location", fmt.Errorf("%q is not lat,lon", s))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, NewError(KindConfiguration, "location", fmt.Errorf("invalid latitude %q", parts[0]))
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, NewError(KindConfiguration, "location", fmt.Errorf("invalid longitude %q", parts[1]))
	}
	return &Location{Latitude: lat, Longitude: lon}, nil
}

// ADBDemoMode drives the SystemUI demo mode.
type ADBDemoMode struct {
	env Env
	adb *Channel
}

func NewADBDemoMode(env Env, adb *Channel) *ADBDemoMode { return &ADBDemoMode{env: env, adb: adb} }

func demoBroadcast(command string, extras ...string) []string {
	args := []string{"shell", "am", "broadcast", "-a", "com.android.systemui.demo", "-e", "command", command}
	return append(args, extras...)
}

// Enable applies every override and keeps going past individual failures;
// the joined error lists what did not apply.
func (d *ADBDemoMode) Enable(ctx context.Context, h Handle, o Overrides) error {
	ctx, span := StartSpan(ctx, d.env, "device.EnableDemoMode", attribute.String("serial", h.Serial))
	defer span.End()
	steps := [][]string{
		{"shell", "settings", "put", "global", "sysui_demo_allowed", "1"},
		demoBroadcast("enter"),
		demoBroadcast("clock", "-e", "hhmm", o.Clock),
		demoBroadcast("battery", "-e", "plugged", "false", "-e", "level", strconv.Itoa(o.BatteryLevel)),
		demoBroadcast("network", "-e", "mobile", "show", "-e", "level", strconv.Itoa(o.SignalBars), "-e", "datatype", "none"),
		demoBroadcast("network", "-e", "wifi", "show", "-e", "level", strconv.Itoa(o.SignalBars)),
		demoBroadcast("notifications", "-e", "visible", "false"),
	}
	err := d.runAll(ctx, h.Serial, steps)
	RecordSpanError(span, err)
	return err
}

func (d *ADBDemoMode) Disable(ctx context.Context, h Handle) error {
	return d.runAll(ctx, h.Serial, [][]string{demoBroadcast("exit")})
}

// SetLocation sends a geo fix through the emulator console (lon before lat).
func (d *ADBDemoMode) SetLocation(ctx context.Context, h Handle, loc Location) error {
	return d.runAll(ctx, h.Serial, [][]string{{
		"emu", "geo", "fix",
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
	}})
}

func (d *ADBDemoMode) runAll(ctx context.Context, serial string, steps [][]string) error {
	var errs []error
	for _, args := range steps {
		res, err := d.adb.Execute(ctx, serial, args...)
		if err == nil {
			err = res.Err(d.adb.command(serial, "", args))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
