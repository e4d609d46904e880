// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Spec describes the device image a run provisions. It is immutable per run.
type Spec struct {
	Name string `json:"name"`
	// SystemImage is the sdkmanager package on Android or the runtime
	// identifier on iOS.
	SystemImage string `json:"system_image"`
	// HardwareProfile is the avdmanager device profile on Android or the
	// simulator device type on iOS.
	HardwareProfile string `json:"hardware_profile"`
	Port            int    `json:"port,omitempty"`
}

var imageNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func (s Spec) Validate() error {
	if s.Name == "" {
		return NewError(KindConfiguration, "image name", errors.New("empty image name"))
	}
	if !imageNamePattern.MatchString(s.Name) {
		return NewError(KindConfiguration, "image name",
			fmt.Errorf("%q may only contain letters, digits, '.', '_' and '-'", s.Name))
	}
	if s.SystemImage == "" {
		return NewError(KindConfiguration, "system image", errors.New("empty system image"))
	}
	if s.HardwareProfile == "" {
		return NewError(KindConfiguration, "device profile", errors.New("empty device profile"))
	}
	return nil
}

type BootState int

const (
	StateUnknown BootState = iota
	StateBooting
	StateBooted
	StateOffline
	StateUnauthorized
)

func (s BootState) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateBooted:
		return "booted"
	case StateOffline:
		return "offline"
	case StateUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

func (s BootState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Handle identifies a running device process.
type Handle struct {
	Serial string    `json:"serial"`
	Port   int       `json:"port,omitempty"`
	Name   string    `json:"name,omitempty"`
	State  BootState `json:"state"`
}

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeBooted
	OutcomeTimedOut
	OutcomeDeviceError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBooted:
		return "booted"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeDeviceError:
		return "device_error"
	}
	return "pending"
}

func (o Outcome) MarshalJSON() ([]byte, error) { return json.Marshal(o.String()) }

// BootAttempt is the result of one Boot Waiter call.
type BootAttempt struct {
	// Number is how many polls were made.
	Number int `json:"number"`
	// Wait is the total time slept between polls.
	Wait     time.Duration `json:"wait"`
	Outcome  Outcome       `json:"outcome"`
	Response string        `json:"response,omitempty"`
	Err      error         `json:"-"`
}
