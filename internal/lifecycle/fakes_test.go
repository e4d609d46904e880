// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/forkbombeu/mobileflow/internal/device"
)

// fakeDevice implements every Toolkit capability and records what the
// orchestrator asked of it.
type fakeDevice struct {
	mu    sync.Mutex
	calls []string

	listed     []device.Handle
	listErr    error
	killAllErr error
	createErr  error
	launchErr  error
	// outcomes is consumed one per WaitForBoot call; the last one repeats.
	outcomes   []device.Outcome
	bootErr    error
	enableErr  error
	installErr error
	flowErr    error

	waits int
}

func (f *fakeDevice) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDevice) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeDevice) ListDevices(context.Context) ([]device.Handle, error) {
	f.record("list")
	return f.listed, f.listErr
}

func (f *fakeDevice) Kill(_ context.Context, h device.Handle) error {
	f.record("kill " + h.Serial)
	return nil
}

func (f *fakeDevice) KillAll(_ context.Context, handles []device.Handle) error {
	f.record("killall")
	return f.killAllErr
}

func (f *fakeDevice) Create(context.Context, device.Spec) error {
	f.record("create")
	return f.createErr
}

func (f *fakeDevice) Delete(context.Context, string) error {
	f.record("delete")
	return nil
}

func (f *fakeDevice) Exists(context.Context, string) (bool, error) {
	return false, nil
}

func (f *fakeDevice) Launch(_ context.Context, spec device.Spec) (device.Handle, error) {
	f.record("launch")
	if f.launchErr != nil {
		return device.Handle{}, f.launchErr
	}
	return device.Handle{Serial: "emulator-5554", Port: spec.Port, Name: spec.Name, State: device.StateBooting}, nil
}

func (f *fakeDevice) WaitForBoot(_ context.Context, _ string, maxAttempts int) device.BootAttempt {
	f.record("wait")
	f.mu.Lock()
	i := min(f.waits, len(f.outcomes)-1)
	f.waits++
	f.mu.Unlock()
	outcome := f.outcomes[i]
	a := device.BootAttempt{Number: maxAttempts, Outcome: outcome}
	if outcome == device.OutcomeBooted {
		a.Number = 1
	}
	if outcome == device.OutcomeDeviceError {
		a.Err = f.bootErr
	}
	return a
}

func (f *fakeDevice) Enable(context.Context, device.Handle, device.Overrides) error {
	f.record("enable")
	return f.enableErr
}

func (f *fakeDevice) Disable(context.Context, device.Handle) error {
	f.record("disable")
	return nil
}

func (f *fakeDevice) SetLocation(context.Context, device.Handle, device.Location) error {
	f.record("location")
	return nil
}

func (f *fakeDevice) Install(context.Context, device.Handle, string) error {
	f.record("install")
	return f.installErr
}

func (f *fakeDevice) Run(context.Context, string, string) error {
	f.record("flow")
	return f.flowErr
}

func (f *fakeDevice) toolkit() Toolkit {
	return Toolkit{
		Registry:    f,
		Provisioner: f,
		Launcher:    f,
		BootWaiter:  f,
		Configurer:  f,
		Installer:   f,
		Flows:       f,
	}
}

// portCheckingDevice adds the emulator's port limits to fakeDevice.
type portCheckingDevice struct {
	*fakeDevice
}

func (p portCheckingDevice) ValidateSpec(spec device.Spec) error {
	return device.ValidateEmulatorPort(spec.Port)
}

func quietLogs(t *testing.T) {
	t.Helper()
	device.SetLogOutput(io.Discard)
	t.Cleanup(func() { device.SetLogOutput(os.Stdout) })
}

// testOptions returns options backed by a build directory holding one APK
// and an existing flow directory.
func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	build := filepath.Join(dir, "app", "build", "outputs", "apk", "debug")
	if err := os.MkdirAll(build, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(build, "app-debug.apk"), []byte("apk"), 0o644); err != nil {
		t.Fatal(err)
	}
	flow := filepath.Join(dir, ".maestro")
	if err := os.MkdirAll(flow, 0o755); err != nil {
		t.Fatal(err)
	}
	overrides := device.DefaultOverrides()
	return Options{
		Spec: device.Spec{
			Name:            "maestro_pixel_7_pro",
			SystemImage:     "system-images;android-34;google_apis;x86_64",
			HardwareProfile: "pixel_7_pro",
			Port:            5554,
		},
		Budget:    DefaultRetryBudget(),
		Overrides: &overrides,
		Artifact:  device.ArtifactQuery{Dir: build, Pattern: "*.apk", Policy: device.PolicyFirst},
		Flow:      flow,
	}
}

func runOrchestrator(t *testing.T, f *fakeDevice, opts Options) (*Report, error) {
	t.Helper()
	quietLogs(t)
	o, err := New(device.Env{Context: context.Background()}, f.toolkit(), opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return o.Run(context.Background())
}
