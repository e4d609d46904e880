// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package publish

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forkbombeu/mobileflow/internal/device"
)

// DefaultLogsDir is where Maestro keeps per-run test output.
func DefaultLogsDir() string {
	return filepath.Join(device.HomeDir(), ".maestro", "tests")
}

// CleanLogs removes dir recursively. A missing directory is not an error.
func CleanLogs(env device.Env, dir string) error {
	if dir == "" || dir == "/" || dir == device.HomeDir() {
		return device.NewError(device.KindConfiguration, "logs dir", fmt.Errorf("refusing to remove %q", dir))
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		device.LogEvent(env, "logs dir absent", "dir", dir)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove logs %s: %w", dir, err)
	}
	device.LogEvent(env, "logs cleared", "dir", dir)
	return nil
}
