// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// AVDProvisioner creates and deletes Android Virtual Devices.
type AVDProvisioner struct {
	env        Env
	avdmanager *Channel
	// sdkmanager is optional; without it system images must already exist.
	sdkmanager *Channel
}

func NewAVDProvisioner(env Env, avdmanager, sdkmanager *Channel) *AVDProvisioner {
	return &AVDProvisioner{env: env, avdmanager: avdmanager, sdkmanager: sdkmanager}
}

// Exists reports whether an AVD with exactly this name is defined. It
// matches whole lines of `avdmanager list avd -c`, so "pixel" does not
// match "pixel_7".
func (p *AVDProvisioner) Exists(ctx context.Context, name string) (bool, error) {
	res, err := p.avdmanager.Execute(ctx, "", "list", "avd", "-c")
	if err != nil {
		return false, NewError(KindProvisioning, name, err)
	}
	if res.ExitCode != 0 {
		return false, NewError(KindProvisioning, name,
			res.Err(p.avdmanager.command("", "", []string{"list", "avd", "-c"})))
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *AVDProvisioner) Delete(ctx context.Context, name string) error {
	if name == "" {
		return NewError(KindConfiguration, "image name", errors.New("empty image name"))
	}
	ctx, span := StartSpan(ctx, p.env, "device.DeleteImage", attribute.String("name", name))
	defer span.End()
	LogEvent(p.env, "image delete", "name", name)
	args := []string{"delete", "avd", "-n", name}
	res, err := p.avdmanager.Execute(ctx, "", args...)
	if err == nil {
		err = res.Err(p.avdmanager.command("", "", args))
	}
	if err != nil {
		RecordSpanError(span, err)
		return NewError(KindProvisioning, name, err)
	}
	return nil
}

// Create always starts from a clean slate: an existing image of the same
// name is deleted first.
func (p *AVDProvisioner) Create(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	ctx, span := StartSpan(ctx, p.env, "device.CreateImage",
		attribute.String("name", spec.Name),
		attribute.String("system_image", spec.SystemImage),
		attribute.String("device", spec.HardwareProfile),
	)
	defer span.End()

	exists, err := p.Exists(ctx, spec.Name)
	if err != nil {
		RecordSpanError(span, err)
		return err
	}
	if exists {
		if err := p.Delete(ctx, spec.Name); err != nil {
			RecordSpanError(span, err)
			return err
		}
	}
	if err := p.ensureSysImg(ctx, spec.SystemImage); err != nil {
		RecordSpanError(span, err)
		return NewError(KindProvisioning, spec.SystemImage, fmt.Errorf("failed to ensure system image: %w", err))
	}

	args := []string{"create", "avd",
		"-n", spec.Name, "-k", spec.SystemImage, "-d", spec.HardwareProfile, "--force"}
	// "no" declines the custom hardware profile prompt.
	res, err := p.avdmanager.ExecuteWithInput(ctx, "no\n", args...)
	if err == nil {
		err = res.Err(p.avdmanager.command("", "no\n", args))
	}
	if err != nil {
		RecordSpanError(span, err)
		return NewError(KindProvisioning, spec.Name, err)
	}
	LogEvent(p.env, "image created", "name", spec.Name, "system_image", spec.SystemImage, "device", spec.HardwareProfile)
	return nil
}

func (p *AVDProvisioner) ensureSysImg(ctx context.Context, pkg string) error {
	if p.sdkmanager == nil {
		return nil
	}
	if p.env.SDKRoot != "" {
		// quick existence probe: system-images;android-34;google_apis;x86_64
		parts := strings.Split(pkg, ";")
		if len(parts) >= 2 {
			dir := filepath.Join(append([]string{p.env.SDKRoot}, parts...)...)
			if _, err := os.Stat(dir); err == nil {
				return nil
			}
		}
	}
	LogEvent(p.env, "installing system image", "package", pkg)
	// accept licenses if needed
	_, _ = p.sdkmanager.ExecuteWithInput(ctx, strings.Repeat("y\n", 16), "--licenses")
	res, err := p.sdkmanager.Execute(ctx, "", pkg)
	if err != nil {
		return err
	}
	return res.Err(p.sdkmanager.command("", "", []string{pkg}))
}
