// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package mobileflow

import (
	"errors"

	"github.com/forkbombeu/mobileflow/internal/device"
)

var (
	errMissingCoordinate  = errors.New("latitude and longitude must be set together")
	errMissingArtifactDir = errors.New("artifact dir is required")
)

// Error kinds returned by Manager methods. Match them with IsKind, or with
// the github.com/containerd/errdefs helpers (errdefs.IsNotFound for a missing
// artifact, errdefs.IsUnavailable for boot timeouts, and so on).
const (
	KindConfiguration    = device.KindConfiguration
	KindProvisioning     = device.KindProvisioning
	KindBootTimeout      = device.KindBootTimeout
	KindDevice           = device.KindDevice
	KindArtifactNotFound = device.KindArtifactNotFound
	KindInstall          = device.KindInstall
	KindTestExecution    = device.KindTestExecution
)

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind device.Kind) bool {
	return device.IsKind(err, kind)
}
