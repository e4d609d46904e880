// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitForExitReturnsOnceProcessIsGone(t *testing.T) {
	polls := 0
	exited, err := waitForExit(context.Background(), func() bool {
		polls++
		return polls < 3
	}, time.Minute, time.Millisecond)
	if err != nil || !exited {
		t.Fatalf("expected exit after 3 polls, got exited=%t err=%v", exited, err)
	}
	if polls != 3 {
		t.Fatalf("expected 3 polls, got %d", polls)
	}
}

func TestWaitForExitGivesUpAfterGrace(t *testing.T) {
	exited, err := waitForExit(context.Background(), func() bool { return true },
		20*time.Millisecond, time.Millisecond)
	if err != nil || exited {
		t.Fatalf("expected timeout without error, got exited=%t err=%v", exited, err)
	}
}

func TestWaitForExitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	exited, err := waitForExit(ctx, func() bool { return true }, time.Minute, time.Minute)
	if exited || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got exited=%t err=%v", exited, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancelled wait took %s", time.Since(start))
	}
}
