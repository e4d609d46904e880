// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Platform selects which device tooling drives a run.
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
)

// ParsePlatform accepts "android" or "ios" in any case.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case Android:
		return Android, nil
	case IOS:
		return IOS, nil
	}
	return "", NewError(KindConfiguration, "platform",
		fmt.Errorf("unsupported platform %q, use android or ios", s))
}

type Env struct {
	Platform   Platform
	SDKRoot    string // MOBILEFLOW_SDK_ROOT, ANDROID_SDK_ROOT or ANDROID_HOME
	Emulator   string // emulator
	ADB        string // adb
	AvdMgr     string // avdmanager
	SdkManager string // sdkmanager
	Xcrun      string // xcrun (iOS only)
	Maestro    string // maestro
	// LogDir receives emulator console logs.
	LogDir string
	// SettleDelay is applied after every device kill and after a kill batch.
	SettleDelay time.Duration
	// CorrelationID is used to tie logs to a specific run.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
}

func Detect() Env {
	sdk := getenv("MOBILEFLOW_SDK_ROOT", "")
	if sdk == "" {
		sdk = getenv("ANDROID_SDK_ROOT", os.Getenv("ANDROID_HOME"))
	}
	platform, err := ParsePlatform(getenv("MOBILEFLOW_PLATFORM", string(Android)))
	if err != nil {
		platform = Android
	}
	settle := 2 * time.Second
	if v := os.Getenv("MOBILEFLOW_SETTLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settle = d
		}
	}

	return Env{
		Platform:      platform,
		SDKRoot:       sdk,
		Emulator:      getenv("MOBILEFLOW_EMULATOR_BIN", "emulator"),
		ADB:           getenv("MOBILEFLOW_ADB_BIN", "adb"),
		AvdMgr:        getenv("MOBILEFLOW_AVDMANAGER_BIN", "avdmanager"),
		SdkManager:    getenv("MOBILEFLOW_SDKMANAGER_BIN", "sdkmanager"),
		Xcrun:         getenv("MOBILEFLOW_XCRUN_BIN", "xcrun"),
		Maestro:       getenv("MOBILEFLOW_MAESTRO_BIN", "maestro"),
		LogDir:        getenv("MOBILEFLOW_LOG_DIR", os.TempDir()),
		SettleDelay:   settle,
		CorrelationID: os.Getenv("MOBILEFLOW_CORRELATION_ID"),
		Context:       context.Background(),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// HomeDir returns the current user's home directory, or "" when unknown.
func HomeDir() string {
	if usr, err := user.Current(); err == nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	return os.Getenv("HOME")
}

// sdkLayout lists where each Android SDK tool lives relative to the SDK root.
var sdkLayout = map[string][]string{
	"adb":        {"platform-tools"},
	"emulator":   {"emulator"},
	"mksdcard":   {"emulator"},
	"avdmanager": {"cmdline-tools/latest/bin", "cmdline-tools/*/bin", "tools/bin"},
	"sdkmanager": {"cmdline-tools/latest/bin", "cmdline-tools/*/bin", "tools/bin"},
}

// ResolveTool finds the executable for tool. An explicit path (anything that
// is not the bare tool name) must point at an executable file. Otherwise the
// SDK layout under sdkRoot is searched, then $PATH.
func ResolveTool(explicit, sdkRoot, tool string) (string, error) {
	if explicit != "" && explicit != tool {
		if strings.ContainsRune(explicit, filepath.Separator) {
			if isExecutable(explicit) {
				return explicit, nil
			}
			return "", NewError(KindConfiguration, tool,
				fmt.Errorf("%s is not an executable file", explicit))
		}
		if p, err := exec.LookPath(explicit); err == nil {
			return p, nil
		}
		return "", NewError(KindConfiguration, tool, fmt.Errorf("%s not found in PATH", explicit))
	}

	if sdkRoot != "" {
		for _, dir := range sdkLayout[tool] {
			matches, _ := filepath.Glob(filepath.Join(sdkRoot, dir, tool))
			// cmdline-tools/latest wins, then the highest version directory.
			sort.SliceStable(matches, func(i, j int) bool {
				return newerToolDir(matches[i], matches[j])
			})
			for _, m := range matches {
				if isExecutable(m) {
					return m, nil
				}
			}
		}
	}

	if p, err := exec.LookPath(tool); err == nil {
		return p, nil
	}
	where := "PATH"
	if sdkRoot != "" {
		where = sdkRoot + " or PATH"
	}
	return "", NewError(KindConfiguration, tool, fmt.Errorf("no %s binary found in %s", tool, where))
}

// newerToolDir orders <root>/<version>/bin/<tool> paths: "latest" first,
// then dotted versions compared numerically, highest first.
func newerToolDir(a, b string) bool {
	va := filepath.Base(filepath.Dir(filepath.Dir(a)))
	vb := filepath.Base(filepath.Dir(filepath.Dir(b)))
	if va == "latest" || vb == "latest" {
		return va == "latest" && vb != "latest"
	}
	pa, pb := strings.Split(va, "."), strings.Split(vb, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var sa, sb string
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case sa == sb:
			continue
		case errA == nil && errB == nil:
			return na > nb
		case sa == "":
			return false
		case sb == "":
			return true
		default:
			return sa > sb
		}
	}
	return false
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}
	return st.Mode()&0o111 != 0
}
