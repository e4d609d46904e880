// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// ADBInstaller installs APKs on a specific serial.
type ADBInstaller struct {
	env Env
	adb *Channel
}

func NewADBInstaller(env Env, adb *Channel) *ADBInstaller { return &ADBInstaller{env: env, adb: adb} }

func (i *ADBInstaller) Install(ctx context.Context, h Handle, artifact string) error {
	ctx, span := StartSpan(ctx, i.env, "device.Install",
		attribute.String("serial", h.Serial),
		attribute.String("artifact", artifact),
	)
	defer span.End()
	LogEvent(i.env, "installing app", "serial", h.Serial, "artifact", artifact)
	args := []string{"install", "-r", artifact}
	res, err := i.adb.Execute(ctx, h.Serial, args...)
	if err == nil {
		err = res.Err(i.adb.command(h.Serial, "", args))
	}
	if err != nil {
		RecordSpanError(span, err)
		return NewError(KindInstall, artifact, err)
	}
	LogEvent(i.env, "app installed", "serial", h.Serial, "artifact", artifact)
	return nil
}
