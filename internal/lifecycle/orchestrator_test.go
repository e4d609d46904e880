// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/forkbombeu/mobileflow/internal/device"
)

func TestRunHappyPath(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	opts := testOptions(t)

	report, err := runOrchestrator(t, f, opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	wantStates := []string{StateIdle, StateCleaning, StateProvisioning, StateLaunching, StateAwaitingBoot,
		StateConfiguring, StateInstalling, StateTesting, StateTearingDown, StateDone}
	if diff := cmp.Diff(wantStates, report.States); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []string{"list", "create", "launch", "wait", "enable", "install", "flow", "disable", "kill emulator-5554"}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if !report.Passed || report.State != StateDone {
		t.Fatalf("expected passing report, got %+v", report)
	}
	if report.Artifact != filepath.Join(opts.Artifact.Dir, "app-debug.apk") {
		t.Fatalf("unexpected artifact %q", report.Artifact)
	}
	if report.Serial != "emulator-5554" {
		t.Fatalf("unexpected serial %q", report.Serial)
	}
}

func TestRunCleansStaleDevicesOnce(t *testing.T) {
	f := &fakeDevice{
		listed:   []device.Handle{{Serial: "emulator-5554"}, {Serial: "emulator-5556"}},
		outcomes: []device.Outcome{device.OutcomeBooted},
	}

	report, err := runOrchestrator(t, f, testOptions(t))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if f.count("killall") != 1 {
		t.Fatalf("expected one batch kill, got calls %v", f.calls)
	}
	if report.Provisions != 1 || report.Launches != 1 {
		t.Fatalf("expected no re-provision, got provisions=%d launches=%d", report.Provisions, report.Launches)
	}
	entered := 0
	for _, s := range report.States {
		if s == StateTesting {
			entered++
		}
	}
	if entered != 1 {
		t.Fatalf("expected testing to be entered once, got %d", entered)
	}
}

func TestRunCleanupFailureIsOnlyAWarning(t *testing.T) {
	f := &fakeDevice{
		listed:     []device.Handle{{Serial: "emulator-5554"}},
		killAllErr: errors.New("emu kill: connection refused"),
		outcomes:   []device.Outcome{device.OutcomeBooted},
	}

	if _, err := runOrchestrator(t, f, testOptions(t)); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestRunListFailureIsFatalDeviceError(t *testing.T) {
	f := &fakeDevice{listErr: errors.New("adb: not found"), outcomes: []device.Outcome{device.OutcomeBooted}}

	report, err := runOrchestrator(t, f, testOptions(t))
	if !device.IsKind(err, device.KindDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if report.State != StateFatalFailure || f.count("create") != 0 {
		t.Fatalf("expected fatal failure before provisioning, got %+v calls %v", report, f.calls)
	}
}

func TestRunBootTimeoutRecreatesUntilBudgetSpent(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeTimedOut}}
	opts := testOptions(t)
	opts.Budget = RetryBudget{MaxPollAttempts: 3, MaxBootRetries: 1}

	report, err := runOrchestrator(t, f, opts)
	if !device.IsKind(err, device.KindBootTimeout) {
		t.Fatalf("expected boot timeout, got %v", err)
	}
	if report.State != StateFatalFailure {
		t.Fatalf("expected fatal_failure, got %s", report.State)
	}
	if report.Provisions != 2 || report.Launches != 2 {
		t.Fatalf("expected 2 provisions and 2 launches, got %d and %d", report.Provisions, report.Launches)
	}
	wantCalls := []string{
		"list",
		"create", "launch", "wait",
		"kill emulator-5554", "delete",
		"create", "launch", "wait",
		"kill emulator-5554", "delete",
	}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if slices.Contains(f.calls, "install") || slices.Contains(f.calls, "flow") {
		t.Fatalf("nothing should be installed on an unbooted device: %v", f.calls)
	}
}

func TestRunLaunchesAtMostRetriesPlusOne(t *testing.T) {
	for retries := 0; retries <= 3; retries++ {
		f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeTimedOut}}
		opts := testOptions(t)
		opts.Budget = RetryBudget{MaxPollAttempts: 1, MaxBootRetries: retries}

		report, err := runOrchestrator(t, f, opts)
		if err == nil {
			t.Fatalf("retries=%d: expected failure", retries)
		}
		if report.Launches != retries+1 {
			t.Fatalf("retries=%d: expected %d launches, got %d", retries, retries+1, report.Launches)
		}
		if len(report.BootAttempts) != retries+1 {
			t.Fatalf("retries=%d: expected %d boot attempts, got %d", retries, retries+1, len(report.BootAttempts))
		}
	}
}

func TestRunRecoversAfterOneTimeout(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeTimedOut, device.OutcomeBooted}}

	report, err := runOrchestrator(t, f, testOptions(t))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Launches != 2 || report.Provisions != 2 {
		t.Fatalf("expected one recreate cycle, got %+v", report)
	}
	if f.count("delete") != 1 {
		t.Fatalf("expected the timed out image to be deleted once, got %v", f.calls)
	}
}

func TestRunBootDeviceErrorIsFatal(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeDeviceError}, bootErr: errors.New("device offline")}

	report, err := runOrchestrator(t, f, testOptions(t))
	if !device.IsKind(err, device.KindDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if report.Launches != 1 {
		t.Fatalf("device errors must not trigger a relaunch, got %d launches", report.Launches)
	}
	if f.count("kill emulator-5554") != 1 || f.count("delete") != 1 {
		t.Fatalf("expected teardown to kill and delete, got %v", f.calls)
	}
}

func TestRunMissingArtifactFailsBeforeInstall(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	opts := testOptions(t)
	opts.Artifact.Pattern = "*.aab"

	report, err := runOrchestrator(t, f, opts)
	if !device.IsKind(err, device.KindArtifactNotFound) {
		t.Fatalf("expected artifact not found, got %v", err)
	}
	if slices.Contains(f.calls, "install") || slices.Contains(f.calls, "flow") {
		t.Fatalf("install and flow must not run: %v", f.calls)
	}
	if report.State != StateFatalFailure || f.count("kill emulator-5554") != 1 {
		t.Fatalf("expected teardown after fatal failure, got %+v calls %v", report, f.calls)
	}
}

func TestRunProvisionFailureSkipsDeviceTeardown(t *testing.T) {
	f := &fakeDevice{
		createErr: device.NewError(device.KindProvisioning, "img", errors.New("license not accepted")),
		outcomes:  []device.Outcome{device.OutcomeBooted},
	}

	report, err := runOrchestrator(t, f, testOptions(t))
	if !device.IsKind(err, device.KindProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if diff := cmp.Diff([]string{"list", "create"}, f.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if report.State != StateFatalFailure {
		t.Fatalf("expected fatal_failure, got %s", report.State)
	}
}

func TestRunDemoFailureIsNotFatal(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}, enableErr: errors.New("broadcast failed")}
	opts := testOptions(t)
	opts.Location = &device.Location{Latitude: 45.46, Longitude: 9.19}

	report, err := runOrchestrator(t, f, opts)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !report.Passed || !slices.Contains(f.calls, "location") {
		t.Fatalf("expected run to pass with location set, got %+v calls %v", report, f.calls)
	}
}

func TestRunWithoutOverridesSkipsDemoMode(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	opts := testOptions(t)
	opts.Overrides = nil

	if _, err := runOrchestrator(t, f, opts); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if slices.Contains(f.calls, "enable") || slices.Contains(f.calls, "disable") {
		t.Fatalf("demo mode should be untouched: %v", f.calls)
	}
}

func TestRunFlowFailureStillTearsDown(t *testing.T) {
	flowErr := device.NewError(device.KindTestExecution, ".maestro", errors.New("maestro exited with status 1"))
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}, flowErr: flowErr}

	report, err := runOrchestrator(t, f, testOptions(t))
	if !errors.Is(err, flowErr) {
		t.Fatalf("expected flow error, got %v", err)
	}
	if report.State != StateDone || report.Passed {
		t.Fatalf("expected done but not passed, got %+v", report)
	}
	if f.count("kill emulator-5554") != 1 || f.count("delete") != 0 {
		t.Fatalf("expected kill without image delete, got %v", f.calls)
	}
}

func TestRunClearsLogsBeforeFlow(t *testing.T) {
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	opts := testOptions(t)
	opts.ClearLogs = true
	opts.LogsDir = filepath.Join(t.TempDir(), "tests")
	if err := os.MkdirAll(filepath.Join(opts.LogsDir, "2025-01-01_120000"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := runOrchestrator(t, f, opts); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := os.Stat(opts.LogsDir); !os.IsNotExist(err) {
		t.Fatalf("expected logs dir to be removed, stat err %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	quietLogs(t)
	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	env := device.Env{Context: context.Background()}

	mutations := map[string]func(*Options){
		"zero polls":       func(o *Options) { o.Budget.MaxPollAttempts = 0 },
		"negative retries": func(o *Options) { o.Budget.MaxBootRetries = -1 },
		"missing flow":     func(o *Options) { o.Flow = filepath.Join(o.Flow, "missing.yaml") },
		"empty pattern":    func(o *Options) { o.Artifact.Pattern = "" },
		"bad name":         func(o *Options) { o.Spec.Name = "has space" },
		"logs dir":         func(o *Options) { o.ClearLogs = true },
	}
	for name, mutate := range mutations {
		opts := testOptions(t)
		mutate(&opts)
		if _, err := New(env, f.toolkit(), opts); !device.IsKind(err, device.KindConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", name, err)
		}
	}
	if _, err := New(env, Toolkit{}, testOptions(t)); !device.IsKind(err, device.KindConfiguration) {
		t.Errorf("empty toolkit: expected configuration error, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("validation must not touch devices: %v", f.calls)
	}
}

func TestNewRejectsOddPortBeforeTouchingDevices(t *testing.T) {
	quietLogs(t)
	f := &fakeDevice{
		listed:   []device.Handle{{Serial: "emulator-5556", Port: 5556}},
		outcomes: []device.Outcome{device.OutcomeBooted},
	}
	tools := f.toolkit()
	tools.Launcher = portCheckingDevice{f}
	opts := testOptions(t)
	opts.Spec.Port = 5555

	if _, err := New(device.Env{Context: context.Background()}, tools, opts); !device.IsKind(err, device.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("no device may be killed or provisioned for a bad port: %v", f.calls)
	}

	opts.Spec.Port = 5556
	if _, err := New(device.Env{Context: context.Background()}, tools, opts); err != nil {
		t.Fatalf("even port should be accepted, got %v", err)
	}
}

func TestRunRecordsTransitionsOnSpan(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	}()

	f := &fakeDevice{outcomes: []device.Outcome{device.OutcomeBooted}}
	quietLogs(t)
	o, err := New(device.Env{Context: context.Background(), CorrelationID: "corr-run"}, f.toolkit(), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var run sdktrace.ReadOnlySpan
	for _, s := range spanRecorder.Ended() {
		if s.Name() == "lifecycle.Run" {
			run = s
		}
	}
	if run == nil {
		t.Fatal("expected a lifecycle.Run span")
	}
	attrs := map[string]any{}
	for _, attr := range run.Attributes() {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}
	if attrs["correlation_id"] != "corr-run" || attrs["state"] != StateDone || attrs["passed"] != true {
		t.Fatalf("unexpected span attributes %v", attrs)
	}
	var events []string
	for _, e := range run.Events() {
		events = append(events, e.Name)
	}
	if !slices.Contains(events, StateTesting) || events[len(events)-1] != StateDone {
		t.Fatalf("unexpected span events %v", events)
	}
}
