// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package config resolves run settings from flags, MOBILEFLOW_* environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/forkbombeu/mobileflow/internal/device"
	"github.com/forkbombeu/mobileflow/internal/lifecycle"
	"github.com/forkbombeu/mobileflow/internal/publish"
)

const EnvPrefix = "MOBILEFLOW"

// Config holds everything `mobileflow run` needs.
type Config struct {
	Platform        device.Platform
	SDKRoot         string
	ImageName       string
	SystemImage     string
	DeviceProfile   string
	Port            int
	Location        *device.Location
	Flow            string
	MaxPollAttempts int
	MaxBootRetries  int
	ClearLogs       bool
	DemoMode        bool
	ArtifactDir     string
	ArtifactPattern string
	ArtifactPolicy  device.ArtifactPolicy
	MaestroBin      string
	LogsDir         string
	SettleDelay     time.Duration
	CorrelationID   string
}

// AddRunFlags registers the run settings on fs with their defaults.
func AddRunFlags(fs *pflag.FlagSet) {
	fs.String("platform", string(device.Android), "Device platform: android or ios")
	fs.String("sdk-root", "", "Android SDK root (default: $ANDROID_SDK_ROOT or $ANDROID_HOME)")
	fs.String("image-name", "maestro_pixel_7_pro", "Name of the AVD or simulator to (re)create")
	fs.String("system-image", "system-images;android-34;google_apis;x86_64", "System image package (Android) or runtime identifier (iOS)")
	fs.String("device-profile", "pixel_7_pro", "Hardware profile (Android) or device type (iOS)")
	fs.Int("port", 5554, "Emulator console port (even, 5554-5800)")
	fs.String("location", "", "Fixed GPS position as lat,lon (empty skips)")
	fs.String("flow", ".maestro", "Maestro flow file or directory")
	fs.Int("max-poll-attempts", 8, "Boot polls per launch before giving up")
	fs.Int("max-boot-retries", 2, "Recreate-and-relaunch cycles after a boot timeout")
	fs.Bool("clear-logs", false, "Remove the Maestro logs directory before the flow runs")
	fs.Bool("demo-mode", true, "Apply status bar overrides (clock 09:41, full battery and signal)")
	fs.String("artifact-dir", "app/build/outputs/apk/debug", "Directory searched for the build artifact")
	fs.String("artifact-pattern", "*.apk", "Base name pattern of the build artifact")
	fs.String("artifact-policy", string(device.PolicyFirst), "Artifact choice when several match: first or newest")
	fs.String("maestro-bin", "maestro", "Maestro CLI binary")
	fs.String("logs-dir", publish.DefaultLogsDir(), "Maestro test logs directory")
	fs.Duration("settle-delay", 2*time.Second, "Pause after each device kill")
	fs.String("correlation-id", "", "Correlation id for logs and spans (default: random UUID)")
}

// newViper binds fs and the MOBILEFLOW_ environment. Flags explicitly set
// on the command line win over the environment, which wins over defaults.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	if err := LoadDotEnv(); err != nil {
		device.LogWarn(device.Env{}, "dotenv load failed", "error", err.Error())
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load resolves the run configuration and validates it. Every problem is
// reported at once as a single configuration error.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v, err := newViper(fs)
	if err != nil {
		return nil, err
	}

	var errs []error
	platform, err := device.ParsePlatform(v.GetString("platform"))
	if err != nil {
		errs = append(errs, err)
	}
	location, err := device.ParseLocation(v.GetString("location"))
	if err != nil {
		errs = append(errs, err)
	}
	policy, err := device.ParseArtifactPolicy(v.GetString("artifact-policy"))
	if err != nil {
		errs = append(errs, err)
	}

	sdk := v.GetString("sdk-root")
	if sdk == "" {
		sdk = os.Getenv("ANDROID_SDK_ROOT")
	}
	if sdk == "" {
		sdk = os.Getenv("ANDROID_HOME")
	}

	cfg := &Config{
		Platform:        platform,
		SDKRoot:         sdk,
		ImageName:       v.GetString("image-name"),
		SystemImage:     v.GetString("system-image"),
		DeviceProfile:   v.GetString("device-profile"),
		Port:            v.GetInt("port"),
		Location:        location,
		Flow:            v.GetString("flow"),
		MaxPollAttempts: v.GetInt("max-poll-attempts"),
		MaxBootRetries:  v.GetInt("max-boot-retries"),
		ClearLogs:       v.GetBool("clear-logs"),
		DemoMode:        v.GetBool("demo-mode"),
		ArtifactDir:     v.GetString("artifact-dir"),
		ArtifactPattern: v.GetString("artifact-pattern"),
		ArtifactPolicy:  policy,
		MaestroBin:      v.GetString("maestro-bin"),
		LogsDir:         v.GetString("logs-dir"),
		SettleDelay:     v.GetDuration("settle-delay"),
		CorrelationID:   v.GetString("correlation-id"),
	}
	if cfg.CorrelationID == "" {
		cfg.CorrelationID = uuid.NewString()
	}
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, device.NewError(device.KindConfiguration, "settings", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.Platform == device.Android {
		if err := device.ValidateEmulatorPort(c.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MaxPollAttempts < 1 {
		errs = append(errs, fmt.Errorf("max-poll-attempts must be at least 1, got %d", c.MaxPollAttempts))
	}
	if c.MaxBootRetries < 0 {
		errs = append(errs, fmt.Errorf("max-boot-retries must not be negative, got %d", c.MaxBootRetries))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle-delay must not be negative, got %s", c.SettleDelay))
	}
	if strings.TrimSpace(c.ArtifactPattern) == "" {
		errs = append(errs, errors.New("artifact-pattern is empty"))
	}
	if strings.TrimSpace(c.ArtifactDir) == "" {
		errs = append(errs, errors.New("artifact-dir is empty"))
	}
	if strings.TrimSpace(c.Flow) == "" {
		errs = append(errs, errors.New("flow is empty"))
	}
	return errs
}

// Env returns the device environment for this configuration.
func (c *Config) Env() device.Env {
	env := device.Detect()
	env.Platform = c.Platform
	env.SDKRoot = c.SDKRoot
	env.Maestro = c.MaestroBin
	env.SettleDelay = c.SettleDelay
	env.CorrelationID = c.CorrelationID
	return env
}

func (c *Config) Spec() device.Spec {
	return device.Spec{
		Name:            c.ImageName,
		SystemImage:     c.SystemImage,
		HardwareProfile: c.DeviceProfile,
		Port:            c.Port,
	}
}

// Options maps the configuration onto orchestrator options.
func (c *Config) Options() lifecycle.Options {
	opts := lifecycle.Options{
		Spec: c.Spec(),
		Budget: lifecycle.RetryBudget{
			MaxPollAttempts: c.MaxPollAttempts,
			MaxBootRetries:  c.MaxBootRetries,
		},
		Location: c.Location,
		Artifact: device.ArtifactQuery{
			Dir:     c.ArtifactDir,
			Pattern: c.ArtifactPattern,
			Policy:  c.ArtifactPolicy,
		},
		Flow:      c.Flow,
		ClearLogs: c.ClearLogs,
		LogsDir:   c.LogsDir,
	}
	if c.DemoMode {
		o := device.DefaultOverrides()
		opts.Overrides = &o
	}
	return opts
}
