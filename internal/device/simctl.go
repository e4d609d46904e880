// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// SimctlDevice is one entry of `simctl list devices -j`.
type SimctlDevice struct {
	UDID                 string `json:"udid"`
	Name                 string `json:"name"`
	State                string `json:"state"`
	IsAvailable          bool   `json:"isAvailable"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
	Runtime              string `json:"-"`
}

type simctlDevices struct {
	Devices map[string][]SimctlDevice `json:"devices"`
}

// ParseSimctlDevices flattens the runtime-keyed listing, sorted by runtime
// for a stable order. Entries without a UDID are skipped.
func ParseSimctlDevices(out string) ([]SimctlDevice, error) {
	if strings.TrimSpace(out) == "" {
		return []SimctlDevice{}, nil
	}
	var list simctlDevices
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse simctl device list: %w", err)
	}
	runtimes := make([]string, 0, len(list.Devices))
	for rt := range list.Devices {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)
	devices := []SimctlDevice{}
	for _, rt := range runtimes {
		for _, d := range list.Devices[rt] {
			if d.UDID == "" {
				continue
			}
			d.Runtime = rt
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func simctlState(s string) BootState {
	switch s {
	case "Booted":
		return StateBooted
	case "Booting":
		return StateBooting
	case "Shutdown", "Shutting Down":
		return StateOffline
	}
	return StateUnknown
}

// Simctl implements every device capability for iOS simulators on top of
// one `xcrun simctl` channel.
type Simctl struct {
	env   Env
	ch    *Channel
	sleep Sleeper
}

func NewSimctl(env Env, ch *Channel) *Simctl {
	return &Simctl{env: env, ch: ch, sleep: sleepContext}
}

func (s *Simctl) WithSleeper(sl Sleeper) *Simctl {
	s.sleep = sl
	return s
}

func (s *Simctl) exec(ctx context.Context, args ...string) (Result, error) {
	res, err := s.ch.Execute(ctx, "", args...)
	if err != nil {
		return res, err
	}
	return res, res.Err(s.ch.command("", "", args))
}

func (s *Simctl) devices(ctx context.Context) ([]SimctlDevice, error) {
	res, err := s.exec(ctx, "list", "devices", "-j")
	if err != nil {
		return nil, err
	}
	return ParseSimctlDevices(res.Stdout)
}

// ListDevices returns the simulators that are booted or booting.
func (s *Simctl) ListDevices(ctx context.Context) ([]Handle, error) {
	ctx, span := StartSpan(ctx, s.env, "device.ListDevices", attribute.String("platform", string(IOS)))
	defer span.End()
	devs, err := s.devices(ctx)
	if err != nil {
		RecordSpanError(span, err)
		return nil, err
	}
	handles := []Handle{}
	for _, d := range devs {
		st := simctlState(d.State)
		if st != StateBooted && st != StateBooting {
			continue
		}
		handles = append(handles, Handle{Serial: d.UDID, Name: d.Name, State: st})
	}
	return handles, nil
}

func (s *Simctl) Kill(ctx context.Context, h Handle) error {
	LogEvent(s.env, "simulator shutdown requested", "udid", h.Serial, "name", h.Name)
	_, err := s.exec(ctx, "shutdown", h.Serial)
	if serr := s.sleep(ctx, s.env.SettleDelay); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (s *Simctl) KillAll(ctx context.Context, handles []Handle) error {
	return killAll(ctx, s.env, s.sleep, handles, s.Kill)
}

func (s *Simctl) udids(ctx context.Context, name string) ([]string, error) {
	devs, err := s.devices(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range devs {
		if d.Name == name {
			out = append(out, d.UDID)
		}
	}
	return out, nil
}

// Exists compares names exactly.
func (s *Simctl) Exists(ctx context.Context, name string) (bool, error) {
	ids, err := s.udids(ctx, name)
	if err != nil {
		return false, NewError(KindProvisioning, name, err)
	}
	return len(ids) > 0, nil
}

// Delete removes every simulator with this name.
func (s *Simctl) Delete(ctx context.Context, name string) error {
	if name == "" {
		return NewError(KindConfiguration, "image name", errors.New("empty image name"))
	}
	ids, err := s.udids(ctx, name)
	if err != nil {
		return NewError(KindProvisioning, name, err)
	}
	for _, id := range ids {
		LogEvent(s.env, "simulator delete", "name", name, "udid", id)
		if _, err := s.exec(ctx, "delete", id); err != nil {
			return NewError(KindProvisioning, name, err)
		}
	}
	return nil
}

// Create deletes same-named simulators, then creates a fresh one from the
// device type (HardwareProfile) and runtime (SystemImage).
func (s *Simctl) Create(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	ctx, span := StartSpan(ctx, s.env, "device.CreateImage",
		attribute.String("name", spec.Name),
		attribute.String("runtime", spec.SystemImage),
		attribute.String("device_type", spec.HardwareProfile),
	)
	defer span.End()
	exists, err := s.Exists(ctx, spec.Name)
	if err != nil {
		RecordSpanError(span, err)
		return err
	}
	if exists {
		if err := s.Delete(ctx, spec.Name); err != nil {
			RecordSpanError(span, err)
			return err
		}
	}
	res, err := s.exec(ctx, "create", spec.Name, spec.HardwareProfile, spec.SystemImage)
	if err != nil {
		RecordSpanError(span, err)
		return NewError(KindProvisioning, spec.Name, err)
	}
	LogEvent(s.env, "simulator created", "name", spec.Name, "udid", strings.TrimSpace(res.Stdout))
	return nil
}

// Launch boots the simulator created for spec. simctl boot returns before
// SpringBoard is up, so readiness still goes through the Boot Waiter.
func (s *Simctl) Launch(ctx context.Context, spec Spec) (Handle, error) {
	ids, err := s.udids(ctx, spec.Name)
	if err != nil {
		return Handle{}, NewError(KindProvisioning, spec.Name, err)
	}
	if len(ids) == 0 {
		return Handle{}, NewError(KindProvisioning, spec.Name, errors.New("no simulator with this name"))
	}
	udid := ids[0]
	LogEvent(s.env, "simulator boot requested", "name", spec.Name, "udid", udid)
	if _, err := s.exec(ctx, "boot", udid); err != nil {
		return Handle{}, NewError(KindProvisioning, spec.Name, err)
	}
	return Handle{Serial: udid, Name: spec.Name, State: StateBooting}, nil
}

// Probe maps the simulator state onto the boot-completion sentinel.
func (s *Simctl) Probe(ctx context.Context, udid string) (string, error) {
	devs, err := s.devices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devs {
		if d.UDID != udid {
			continue
		}
		if simctlState(d.State) == StateBooted {
			return BootCompleteSentinel, nil
		}
		return strings.ToLower(d.State), nil
	}
	return "", nil
}

func (s *Simctl) Enable(ctx context.Context, h Handle, o Overrides) error {
	clock := o.Clock
	if len(clock) == 4 {
		clock = clock[:2] + ":" + clock[2:]
	}
	_, err := s.exec(ctx, "status_bar", h.Serial, "override",
		"--time", clock,
		"--batteryState", "charged",
		"--batteryLevel", strconv.Itoa(o.BatteryLevel),
		"--cellularMode", "active",
		"--cellularBars", strconv.Itoa(o.SignalBars),
		"--wifiBars", strconv.Itoa(min(o.SignalBars, 3)),
	)
	return err
}

func (s *Simctl) Disable(ctx context.Context, h Handle) error {
	_, err := s.exec(ctx, "status_bar", h.Serial, "clear")
	return err
}

func (s *Simctl) SetLocation(ctx context.Context, h Handle, loc Location) error {
	_, err := s.exec(ctx, "location", h.Serial, "set",
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64)+","+strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	return err
}

func (s *Simctl) Install(ctx context.Context, h Handle, artifact string) error {
	LogEvent(s.env, "installing app", "udid", h.Serial, "artifact", artifact)
	if _, err := s.exec(ctx, "install", h.Serial, artifact); err != nil {
		return NewError(KindInstall, artifact, err)
	}
	return nil
}
