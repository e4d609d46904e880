// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package lifecycle drives one device through
// clean → provision → launch → boot → configure → install → test → teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/mobileflow/internal/device"
	"github.com/forkbombeu/mobileflow/internal/publish"
)

// RetryBudget bounds waiting. MaxPollAttempts bounds one Boot Waiter call;
// MaxBootRetries bounds recreate-and-relaunch cycles after a boot timeout.
type RetryBudget struct {
	MaxPollAttempts int `json:"max_poll_attempts"`
	MaxBootRetries  int `json:"max_boot_retries"`
}

func DefaultRetryBudget() RetryBudget {
	return RetryBudget{MaxPollAttempts: 8, MaxBootRetries: 2}
}

type Options struct {
	Spec   device.Spec
	Budget RetryBudget
	// Overrides enables demo mode when non-nil.
	Overrides *device.Overrides
	Location  *device.Location
	Artifact  device.ArtifactQuery
	Flow      string
	// ClearLogs removes LogsDir before the flow runs.
	ClearLogs bool
	LogsDir   string
}

// Report describes a finished run.
type Report struct {
	State        string               `json:"state"`
	Serial       string               `json:"serial,omitempty"`
	States       []string             `json:"states"`
	Provisions   int                  `json:"provisions"`
	Launches     int                  `json:"launches"`
	BootAttempts []device.BootAttempt `json:"boot_attempts"`
	Artifact     string               `json:"artifact,omitempty"`
	Passed       bool                 `json:"passed"`
}

// Orchestrator runs the device lifecycle. One Orchestrator drives one
// device; running two against the same image name at once is undefined.
type Orchestrator struct {
	env       device.Env
	tools     Toolkit
	opts      Options
	cleanLogs func(env device.Env, dir string) error
}

// New validates every option before any device is touched.
func New(env device.Env, tools Toolkit, opts Options) (*Orchestrator, error) {
	if err := tools.validate(); err != nil {
		return nil, err
	}
	if err := opts.Spec.Validate(); err != nil {
		return nil, err
	}
	if v, ok := tools.Launcher.(SpecValidator); ok {
		if err := v.ValidateSpec(opts.Spec); err != nil {
			return nil, err
		}
	}
	if opts.Budget.MaxPollAttempts < 1 {
		return nil, device.NewError(device.KindConfiguration, "max poll attempts",
			fmt.Errorf("must be at least 1, got %d", opts.Budget.MaxPollAttempts))
	}
	if opts.Budget.MaxBootRetries < 0 {
		return nil, device.NewError(device.KindConfiguration, "max boot retries",
			fmt.Errorf("must not be negative, got %d", opts.Budget.MaxBootRetries))
	}
	if err := device.ValidateFlow(opts.Flow); err != nil {
		return nil, err
	}
	if opts.Artifact.Pattern == "" {
		return nil, device.NewError(device.KindConfiguration, "artifact pattern", errors.New("empty artifact pattern"))
	}
	if opts.ClearLogs && opts.LogsDir == "" {
		return nil, device.NewError(device.KindConfiguration, "logs dir", errors.New("clear-logs needs a logs directory"))
	}
	return &Orchestrator{env: env, tools: tools, opts: opts, cleanLogs: publish.CleanLogs}, nil
}

type run struct {
	report       *Report
	active       *device.Handle
	imageCreated bool
	demo         bool
	bootRetries  int
	fatal        error
	testErr      error
}

func (r *run) abort(err error) string {
	r.fatal = err
	return EventAbort
}

// Run executes the whole lifecycle. It returns the fatal error, or the flow
// failure when the flow tool exited non-zero. Teardown runs on every path.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	ctx, span := device.StartSpan(ctx, o.env, "lifecycle.Run",
		attribute.String("name", o.opts.Spec.Name),
		attribute.Int("max_poll_attempts", o.opts.Budget.MaxPollAttempts),
		attribute.Int("max_boot_retries", o.opts.Budget.MaxBootRetries),
	)
	defer span.End()

	r := &run{report: &Report{States: []string{StateIdle}}}
	machine := newMachine(func(_ context.Context, e *fsm.Event) {
		r.report.States = append(r.report.States, e.Dst)
		span.AddEvent(e.Dst, trace.WithAttributes(attribute.String("event", e.Event)))
		device.LogEvent(o.env, "lifecycle transition", "event", e.Event, "from", e.Src, "to", e.Dst)
	})

	// Transitions must go through even after ctx is cancelled so teardown runs.
	fsmCtx := context.WithoutCancel(ctx)
	next := EventClean
	for {
		if err := machine.Event(fsmCtx, next); err != nil {
			return r.report, fmt.Errorf("lifecycle event %s from %s: %w", next, machine.Current(), err)
		}
		state := machine.Current()
		if state == StateDone || state == StateFatalFailure {
			break
		}
		next = o.step(ctx, state, r)
	}

	r.report.State = machine.Current()
	r.report.Passed = r.fatal == nil && r.testErr == nil
	span.SetAttributes(
		attribute.String("state", r.report.State),
		attribute.Int("launches", r.report.Launches),
		attribute.Bool("passed", r.report.Passed),
	)
	if r.fatal != nil {
		device.RecordSpanError(span, r.fatal)
		device.LogEvent(o.env, "run failed", "state", r.report.State, "error", r.fatal.Error())
		return r.report, r.fatal
	}
	if r.testErr != nil {
		device.RecordSpanError(span, r.testErr)
		device.LogEvent(o.env, "run finished", "state", r.report.State, "passed", false)
		return r.report, r.testErr
	}
	device.LogEvent(o.env, "run finished", "state", r.report.State, "passed", true)
	return r.report, nil
}

func (o *Orchestrator) step(ctx context.Context, state string, r *run) string {
	switch state {
	case StateCleaning:
		return o.clean(ctx, r)
	case StateProvisioning:
		r.report.Provisions++
		if err := o.tools.Provisioner.Create(ctx, o.opts.Spec); err != nil {
			return r.abort(err)
		}
		r.imageCreated = true
		return EventLaunch
	case StateLaunching:
		r.report.Launches++
		h, err := o.tools.Launcher.Launch(ctx, o.opts.Spec)
		if err != nil {
			return r.abort(err)
		}
		r.active = &h
		r.report.Serial = h.Serial
		return EventAwaitBoot
	case StateAwaitingBoot:
		return o.awaitBoot(ctx, r)
	case StateBootFailed:
		return o.escalate(ctx, r)
	case StateConfiguring:
		o.configure(ctx, r)
		return EventInstall
	case StateInstalling:
		return o.install(ctx, r)
	case StateTesting:
		if o.opts.ClearLogs {
			if err := o.cleanLogs(o.env, o.opts.LogsDir); err != nil {
				o.warn("clear test logs failed", err)
			}
		}
		r.testErr = o.tools.Flows.Run(ctx, r.active.Serial, o.opts.Flow)
		return EventTeardown
	case StateTearingDown:
		o.teardown(context.WithoutCancel(ctx), r)
		if r.fatal != nil {
			return EventFail
		}
		return EventFinish
	}
	return r.abort(fmt.Errorf("no action for state %s", state))
}

// clean kills every registered device so no stale emulator holds the port
// or serial this run expects.
func (o *Orchestrator) clean(ctx context.Context, r *run) string {
	handles, err := o.tools.Registry.ListDevices(ctx)
	if err != nil {
		return r.abort(device.NewError(device.KindDevice, "device registry", err))
	}
	if len(handles) > 0 {
		device.LogEvent(o.env, "killing stale devices", "count", len(handles))
		if err := o.tools.Registry.KillAll(ctx, handles); err != nil {
			o.warn("stale device cleanup incomplete", err)
		}
	}
	return EventProvision
}

func (o *Orchestrator) awaitBoot(ctx context.Context, r *run) string {
	attempt := o.tools.BootWaiter.WaitForBoot(ctx, r.active.Serial, o.opts.Budget.MaxPollAttempts)
	r.report.BootAttempts = append(r.report.BootAttempts, attempt)
	switch attempt.Outcome {
	case device.OutcomeBooted:
		r.active.State = device.StateBooted
		return EventBooted
	case device.OutcomeTimedOut:
		return EventBootTimeout
	}
	err := attempt.Err
	if err == nil {
		err = fmt.Errorf("boot wait ended with outcome %s", attempt.Outcome)
	}
	return r.abort(device.NewError(device.KindDevice, r.active.Serial, err))
}

// escalate tears the failed device down and recreates it, or gives up once
// the retry budget is spent.
func (o *Orchestrator) escalate(ctx context.Context, r *run) string {
	serial := r.active.Serial
	if r.bootRetries >= o.opts.Budget.MaxBootRetries {
		return r.abort(device.NewError(device.KindBootTimeout, serial,
			fmt.Errorf("device did not boot after %d launch attempts", r.report.Launches)))
	}
	r.bootRetries++
	device.LogWarn(o.env, "boot timed out, recreating device",
		"serial", serial, "retry", r.bootRetries, "max_retries", o.opts.Budget.MaxBootRetries)
	if err := o.tools.Registry.Kill(ctx, *r.active); err != nil {
		o.warn("kill of unbooted device failed", err)
	}
	r.active = nil
	if err := o.tools.Provisioner.Delete(ctx, o.opts.Spec.Name); err != nil {
		return r.abort(err)
	}
	r.imageCreated = false
	return EventProvision
}

// configure is cosmetic; failures are logged and the run goes on.
func (o *Orchestrator) configure(ctx context.Context, r *run) {
	if o.tools.Configurer == nil {
		return
	}
	if o.opts.Overrides != nil {
		r.demo = true
		if err := o.tools.Configurer.Enable(ctx, *r.active, *o.opts.Overrides); err != nil {
			o.warn("demo mode overrides failed", err)
		}
	}
	if o.opts.Location != nil {
		if err := o.tools.Configurer.SetLocation(ctx, *r.active, *o.opts.Location); err != nil {
			o.warn("location override failed", err)
		}
	}
}

func (o *Orchestrator) install(ctx context.Context, r *run) string {
	artifact, err := device.FindArtifact(o.env, o.opts.Artifact)
	if err != nil {
		return r.abort(err)
	}
	r.report.Artifact = artifact
	if err := o.tools.Installer.Install(ctx, *r.active, artifact); err != nil {
		return r.abort(err)
	}
	return EventTest
}

// teardown is best effort: the run's result is already decided.
func (o *Orchestrator) teardown(ctx context.Context, r *run) {
	if r.active != nil {
		if r.demo && o.tools.Configurer != nil {
			if err := o.tools.Configurer.Disable(ctx, *r.active); err != nil {
				o.warn("demo mode exit failed", err)
			}
		}
		if err := o.tools.Registry.Kill(ctx, *r.active); err != nil {
			o.warn("device kill failed", err)
		}
		r.active = nil
	}
	if r.fatal != nil && r.imageCreated {
		if err := o.tools.Provisioner.Delete(ctx, o.opts.Spec.Name); err != nil {
			o.warn("image delete failed", err)
		}
	}
}

func (o *Orchestrator) warn(message string, err error) {
	device.LogWarn(o.env, message, "error", device.NewError(device.KindTeardown, o.opts.Spec.Name, err).Error())
}
