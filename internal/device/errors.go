// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies run failures.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindProvisioning     Kind = "provisioning"
	KindBootTimeout      Kind = "boot timeout"
	KindDevice           Kind = "device"
	KindArtifactNotFound Kind = "artifact not found"
	KindInstall          Kind = "install"
	KindTestExecution    Kind = "test execution"
	KindTeardown         Kind = "teardown"
)

// class maps each kind onto the errdefs vocabulary so callers can branch
// with errdefs.IsNotFound and friends.
var class = map[Kind]error{
	KindConfiguration:    errdefs.ErrInvalidArgument,
	KindProvisioning:     errdefs.ErrFailedPrecondition,
	KindBootTimeout:      errdefs.ErrUnavailable,
	KindDevice:           errdefs.ErrUnavailable,
	KindArtifactNotFound: errdefs.ErrNotFound,
	KindInstall:          errdefs.ErrFailedPrecondition,
	KindTestExecution:    errdefs.ErrAborted,
	KindTeardown:         errdefs.ErrUnknown,
}

// Error names the resource that failed and why.
type Error struct {
	Kind     Kind
	Resource string
	Err      error
}

func NewError(kind Kind, resource string, err error) *Error {
	return &Error{Kind: kind, Resource: resource, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Resource)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Resource, e.Err)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if c, ok := class[e.Kind]; ok {
		out = append(out, c)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
