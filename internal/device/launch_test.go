// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestEmulatorArgsDisableBootCost(t *testing.T) {
	args := EmulatorArgs(Spec{Name: "maestro_pixel_7_pro", Port: 5556})
	if args[0] != "-avd" || args[1] != "maestro_pixel_7_pro" {
		t.Fatalf("expected -avd first, got %v", args)
	}
	if i := slices.Index(args, "-port"); i < 0 || args[i+1] != "5556" {
		t.Fatalf("expected -port 5556, got %v", args)
	}
	for _, flag := range []string{"-wipe-data", "-no-boot-anim", "-no-snapshot", "-no-audio"} {
		if !slices.Contains(args, flag) {
			t.Errorf("missing %s in %v", flag, args)
		}
	}
}

func newTestLauncher(t *testing.T, script string) (*EmulatorLauncher, Env) {
	t.Helper()
	dir := t.TempDir()
	env := Env{
		Emulator: writeStub(t, dir, "emulator", script),
		LogDir:   t.TempDir(),
		Context:  context.Background(),
	}
	l, err := NewEmulatorLauncher(env, nil)
	if err != nil {
		t.Fatalf("NewEmulatorLauncher returned error: %v", err)
	}
	return l, env
}

func TestLaunchRejectsBadPorts(t *testing.T) {
	captureLogs(t)
	l, _ := newTestLauncher(t, "exit 0\n")

	for _, port := range []int{5555, 5000, 5802} {
		if _, err := l.Launch(context.Background(), Spec{Name: "x", Port: port}); !IsKind(err, KindConfiguration) {
			t.Errorf("port %d: expected configuration error, got %v", port, err)
		}
	}
}

func TestLaunchReturnsBootingHandle(t *testing.T) {
	captureLogs(t)
	l, env := newTestLauncher(t, "exit 0\n")

	h, err := l.Launch(context.Background(), Spec{Name: "maestro", Port: 5556})
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if h.Serial != "emulator-5556" || h.Port != 5556 || h.State != StateBooting || h.Name != "maestro" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if _, err := os.Stat(filepath.Join(env.LogDir, "emulator-maestro-5556.log")); err != nil {
		t.Fatalf("expected emulator log file: %v", err)
	}
}

func TestValidateSpecChecksPortWithoutLaunching(t *testing.T) {
	captureLogs(t)
	marker := filepath.Join(t.TempDir(), "started")
	l, _ := newTestLauncher(t, "touch "+marker+"\n")

	if err := l.ValidateSpec(Spec{Name: "x", Port: 5555}); !IsKind(err, KindConfiguration) {
		t.Fatalf("expected configuration error for odd port, got %v", err)
	}
	if err := l.ValidateSpec(Spec{Name: "x", Port: 5800}); err != nil {
		t.Fatalf("port 5800 should be accepted, got %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("validation must not start the emulator, stat err %v", err)
	}
}
