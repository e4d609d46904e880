// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package lifecycle

import (
	"context"

	"github.com/looplab/fsm"
)

const (
	StateIdle         = "idle"
	StateCleaning     = "cleaning"
	StateProvisioning = "provisioning"
	StateLaunching    = "launching"
	StateAwaitingBoot = "awaiting_boot"
	StateBootFailed   = "boot_failed"
	StateConfiguring  = "configuring"
	StateInstalling   = "installing"
	StateTesting      = "testing"
	StateTearingDown  = "tearing_down"
	StateDone         = "done"
	StateFatalFailure = "fatal_failure"
)

const (
	EventClean       = "clean"
	EventProvision   = "provision"
	EventLaunch      = "launch"
	EventAwaitBoot   = "await_boot"
	EventBooted      = "booted"
	EventBootTimeout = "boot_timeout"
	EventInstall     = "install"
	EventTest        = "test"
	EventTeardown    = "teardown"
	EventAbort       = "abort"
	EventFinish      = "finish"
	EventFail        = "fail"
)

// activeStates can abort into teardown.
var activeStates = []string{
	StateCleaning, StateProvisioning, StateLaunching, StateAwaitingBoot,
	StateBootFailed, StateConfiguring, StateInstalling, StateTesting,
}

func newMachine(onEnter func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	events := fsm.Events{
		{Name: EventClean, Src: []string{StateIdle}, Dst: StateCleaning},
		{Name: EventProvision, Src: []string{StateCleaning, StateBootFailed}, Dst: StateProvisioning},
		{Name: EventLaunch, Src: []string{StateProvisioning}, Dst: StateLaunching},
		{Name: EventAwaitBoot, Src: []string{StateLaunching}, Dst: StateAwaitingBoot},
		{Name: EventBooted, Src: []string{StateAwaitingBoot}, Dst: StateConfiguring},
		{Name: EventBootTimeout, Src: []string{StateAwaitingBoot}, Dst: StateBootFailed},
		{Name: EventInstall, Src: []string{StateConfiguring}, Dst: StateInstalling},
		{Name: EventTest, Src: []string{StateInstalling}, Dst: StateTesting},
		{Name: EventTeardown, Src: []string{StateTesting}, Dst: StateTearingDown},
		{Name: EventAbort, Src: activeStates, Dst: StateTearingDown},
		{Name: EventFinish, Src: []string{StateTearingDown}, Dst: StateDone},
		{Name: EventFail, Src: []string{StateTearingDown}, Dst: StateFatalFailure},
	}
	return fsm.NewFSM(StateIdle, events, fsm.Callbacks{
		"enter_state": onEnter,
	})
}
