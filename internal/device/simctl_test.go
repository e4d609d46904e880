// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const simctlListing = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-5": [
      {"udid": "BBBB", "name": "maestro_iphone", "state": "Booted", "isAvailable": true,
       "deviceTypeIdentifier": "com.apple.CoreSimulator.SimDeviceType.iPhone-15"}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-16-4": [
      {"udid": "AAAA", "name": "iPhone 14", "state": "Shutdown", "isAvailable": true},
      {"udid": "", "name": "broken", "state": "Shutdown"}
    ]
  }
}`

func TestParseSimctlDevices(t *testing.T) {
	devs, err := ParseSimctlDevices(simctlListing)
	if err != nil {
		t.Fatalf("ParseSimctlDevices returned error: %v", err)
	}
	var got []string
	for _, d := range devs {
		got = append(got, d.UDID+"@"+strings.TrimPrefix(d.Runtime, "com.apple.CoreSimulator.SimRuntime."))
	}
	if diff := cmp.Diff([]string{"AAAA@iOS-16-4", "BBBB@iOS-17-5"}, got); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}

	empty, err := ParseSimctlDevices("  ")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v (%v)", empty, err)
	}
	if _, err := ParseSimctlDevices("not json"); err == nil {
		t.Fatal("expected parse error")
	}
}

func newTestSimctl(t *testing.T, respond func(Command) (Result, error)) (*Simctl, *recordingExecutor) {
	t.Helper()
	rec := &recordingExecutor{respond: respond}
	ch, env := testChannel(t, rec, NewSimctlChannel)
	return NewSimctl(env, ch).WithSleeper((&sleepRecorder{}).sleep), rec
}

func listingResponder(c Command) (Result, error) {
	if strings.Join(c.Args, " ") == "simctl list devices -j" {
		return Result{Stdout: simctlListing}, nil
	}
	return Result{}, nil
}

func TestSimctlListDevicesOnlyRunning(t *testing.T) {
	s, _ := newTestSimctl(t, listingResponder)

	handles, err := s.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices returned error: %v", err)
	}
	want := []Handle{{Serial: "BBBB", Name: "maestro_iphone", State: StateBooted}}
	if diff := cmp.Diff(want, handles); diff != "" {
		t.Fatalf("handles mismatch (-want +got):\n%s", diff)
	}
}

func TestSimctlProbeMapsBootedToSentinel(t *testing.T) {
	s, _ := newTestSimctl(t, listingResponder)

	got, err := s.Probe(context.Background(), "BBBB")
	if err != nil || got != BootCompleteSentinel {
		t.Fatalf("expected sentinel, got %q (%v)", got, err)
	}
	got, err = s.Probe(context.Background(), "AAAA")
	if err != nil || got != "shutdown" {
		t.Fatalf("expected shutdown, got %q (%v)", got, err)
	}
}

func TestSimctlCreateReplacesSameName(t *testing.T) {
	captureLogs(t)
	s, rec := newTestSimctl(t, listingResponder)

	spec := Spec{Name: "maestro_iphone", SystemImage: "com.apple.CoreSimulator.SimRuntime.iOS-17-5",
		HardwareProfile: "com.apple.CoreSimulator.SimDeviceType.iPhone-15"}
	if err := s.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	want := []string{
		"simctl list devices -j",
		"simctl list devices -j",
		"simctl delete BBBB",
		"simctl create maestro_iphone com.apple.CoreSimulator.SimDeviceType.iPhone-15 com.apple.CoreSimulator.SimRuntime.iOS-17-5",
	}
	if diff := cmp.Diff(want, rec.argv()); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestSimctlInstallFailureIsInstallError(t *testing.T) {
	captureLogs(t)
	s, _ := newTestSimctl(t, func(Command) (Result, error) {
		return Result{Stderr: "An error was encountered processing the command", ExitCode: 149}, nil
	})

	err := s.Install(context.Background(), Handle{Serial: "BBBB"}, "/tmp/Wallet.app")
	if !IsKind(err, KindInstall) {
		t.Fatalf("expected install error, got %v", err)
	}
}
