// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/forkbombeu/mobileflow/internal/device"
)

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// LoadDotEnv loads the nearest .env file, searching from the working
// directory up to the filesystem root. Variables already set in the
// environment are not overridden. Subsequent calls are no-ops.
func LoadDotEnv() error {
	// Tests stay hermetic unless they opt in.
	if runningUnderGoTest() && os.Getenv("MOBILEFLOW_TEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := findDotEnv()
		if err != nil || path == "" {
			loadErr = err
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			return
		}
		loadedPath = path
		device.LogEvent(device.Env{}, "dotenv loaded", "path", path)
	})
	return loadErr
}

// LoadedPath returns the .env file that was loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
