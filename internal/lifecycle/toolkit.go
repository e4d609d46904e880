// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package lifecycle

import (
	"context"
	"errors"

	"github.com/forkbombeu/mobileflow/internal/device"
)

type Registry interface {
	ListDevices(ctx context.Context) ([]device.Handle, error)
	Kill(ctx context.Context, h device.Handle) error
	KillAll(ctx context.Context, handles []device.Handle) error
}

type Provisioner interface {
	Create(ctx context.Context, spec device.Spec) error
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

type Launcher interface {
	Launch(ctx context.Context, spec device.Spec) (device.Handle, error)
}

// SpecValidator is implemented by launchers with platform limits on the
// spec. New calls it before any device is touched.
type SpecValidator interface {
	ValidateSpec(spec device.Spec) error
}

type BootWaiter interface {
	WaitForBoot(ctx context.Context, serial string, maxAttempts int) device.BootAttempt
}

type Configurer interface {
	Enable(ctx context.Context, h device.Handle, o device.Overrides) error
	Disable(ctx context.Context, h device.Handle) error
	SetLocation(ctx context.Context, h device.Handle, loc device.Location) error
}

type Installer interface {
	Install(ctx context.Context, h device.Handle, artifact string) error
}

type FlowRunner interface {
	Run(ctx context.Context, serial, flow string) error
}

// Toolkit bundles the platform capabilities the orchestrator drives.
type Toolkit struct {
	Registry    Registry
	Provisioner Provisioner
	Launcher    Launcher
	BootWaiter  BootWaiter
	Configurer  Configurer
	Installer   Installer
	Flows       FlowRunner
}

func (t Toolkit) validate() error {
	if t.Registry == nil || t.Provisioner == nil || t.Launcher == nil ||
		t.BootWaiter == nil || t.Installer == nil || t.Flows == nil {
		return device.NewError(device.KindConfiguration, "toolkit", errors.New("incomplete device toolkit"))
	}
	return nil
}

// NewRegistry returns only the registry for env.Platform.
func NewRegistry(env device.Env) (Registry, error) {
	if env.Platform == device.IOS {
		ch, err := device.NewSimctlChannel(env)
		if err != nil {
			return nil, err
		}
		return device.NewSimctl(env, ch), nil
	}
	adb, err := device.NewADBChannel(env)
	if err != nil {
		return nil, err
	}
	return device.NewADBRegistry(env, adb), nil
}

// NewProvisioner returns only the image provisioner for env.Platform.
func NewProvisioner(env device.Env) (Provisioner, error) {
	if env.Platform == device.IOS {
		ch, err := device.NewSimctlChannel(env)
		if err != nil {
			return nil, err
		}
		return device.NewSimctl(env, ch), nil
	}
	avdmanager, err := device.NewAVDManagerChannel(env)
	if err != nil {
		return nil, err
	}
	sdkmanager, err := device.NewSDKManagerChannel(env)
	if err != nil {
		sdkmanager = nil
	}
	return device.NewAVDProvisioner(env, avdmanager, sdkmanager), nil
}

// NewBootWaiter returns a boot waiter probing devices of env.Platform.
func NewBootWaiter(env device.Env) (BootWaiter, error) {
	if env.Platform == device.IOS {
		ch, err := device.NewSimctlChannel(env)
		if err != nil {
			return nil, err
		}
		return device.NewBootWaiter(env, device.NewSimctl(env, ch)), nil
	}
	adb, err := device.NewADBChannel(env)
	if err != nil {
		return nil, err
	}
	return device.NewBootWaiter(env, device.NewADBBootProbe(adb)), nil
}

// NewToolkit resolves every binary for env.Platform up front, so a missing
// tool fails before any device is touched.
func NewToolkit(env device.Env) (Toolkit, error) {
	flows, err := device.NewFlowRunner(env)
	if err != nil {
		return Toolkit{}, err
	}
	switch env.Platform {
	case device.IOS:
		ch, err := device.NewSimctlChannel(env)
		if err != nil {
			return Toolkit{}, err
		}
		sim := device.NewSimctl(env, ch)
		return Toolkit{
			Registry:    sim,
			Provisioner: sim,
			Launcher:    sim,
			BootWaiter:  device.NewBootWaiter(env, sim),
			Configurer:  sim,
			Installer:   sim,
			Flows:       flows,
		}, nil
	default:
		adb, err := device.NewADBChannel(env)
		if err != nil {
			return Toolkit{}, err
		}
		avdmanager, err := device.NewAVDManagerChannel(env)
		if err != nil {
			return Toolkit{}, err
		}
		// sdkmanager only installs missing system images.
		sdkmanager, err := device.NewSDKManagerChannel(env)
		if err != nil {
			sdkmanager = nil
		}
		launcher, err := device.NewEmulatorLauncher(env, adb)
		if err != nil {
			return Toolkit{}, err
		}
		return Toolkit{
			Registry:    device.NewADBRegistry(env, adb),
			Provisioner: device.NewAVDProvisioner(env, avdmanager, sdkmanager),
			Launcher:    launcher,
			BootWaiter:  device.NewBootWaiter(env, device.NewADBBootProbe(adb)),
			Configurer:  device.NewADBDemoMode(env, adb),
			Installer:   device.NewADBInstaller(env, adb),
			Flows:       flows,
		}, nil
	}
}
