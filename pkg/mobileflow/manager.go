// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package mobileflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/mobileflow/internal/device"
	"github.com/forkbombeu/mobileflow/internal/lifecycle"
	"github.com/forkbombeu/mobileflow/internal/publish"
)

// Manager provides high-level device lifecycle operations.
type Manager struct {
	env device.Env
	// toolkit overrides tool resolution; nil resolves binaries per call.
	toolkit *lifecycle.Toolkit
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return &Manager{env: device.Detect()}
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := device.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	if correlationID != "" {
		env.CorrelationID = correlationID
	}
	return &Manager{env: env}
}

// NewWithEnv creates a new Manager with custom environment configuration.
func NewWithEnv(env Environment) *Manager {
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	base := device.Detect()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	platform := base.Platform
	if env.Platform != "" {
		platform = device.Platform(env.Platform)
	}
	settle := base.SettleDelay
	if env.SettleDelay > 0 {
		settle = env.SettleDelay
	}
	return &Manager{
		env: device.Env{
			Platform:      platform,
			SDKRoot:       pick(env.SDKRoot, base.SDKRoot),
			Emulator:      pick(env.EmulatorBin, base.Emulator),
			ADB:           pick(env.ADBBin, base.ADB),
			AvdMgr:        pick(env.AvdManagerBin, base.AvdMgr),
			SdkManager:    pick(env.SdkManagerBin, base.SdkManager),
			Xcrun:         pick(env.XcrunBin, base.Xcrun),
			Maestro:       pick(env.MaestroBin, base.Maestro),
			LogDir:        pick(env.LogDir, base.LogDir),
			SettleDelay:   settle,
			CorrelationID: env.CorrelationID,
			Context:       ctx,
		},
	}
}

// Environment holds configuration for device tools and paths.
type Environment struct {
	Platform      string          // "android" (default) or "ios"
	SDKRoot       string          // ANDROID_SDK_ROOT
	EmulatorBin   string          // Path to emulator binary (default: "emulator")
	ADBBin        string          // Path to adb binary (default: "adb")
	AvdManagerBin string          // Path to avdmanager binary (default: "avdmanager")
	SdkManagerBin string          // Path to sdkmanager binary (default: "sdkmanager")
	XcrunBin      string          // Path to xcrun binary (default: "xcrun")
	MaestroBin    string          // Path to maestro binary (default: "maestro")
	LogDir        string          // Directory for emulator console logs
	SettleDelay   time.Duration   // Pause after each device kill (default: 2s)
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

// DeviceInfo describes a running device.
type DeviceInfo struct {
	Serial string // adb serial or simulator UDID
	Name   string // Image name, when known
	Port   int    // Console port (Android)
	State  string // booting, booted, offline, unauthorized or unknown
}

// RunOptions contains options for a full lifecycle run.
type RunOptions struct {
	Name            string   // Image name (default: "maestro_pixel_7_pro")
	SystemImage     string   // System image package or iOS runtime (required)
	DeviceProfile   string   // Hardware profile or iOS device type (default: "pixel_7_pro")
	Port            int      // Console port (default: 5554)
	Flow            string   // Maestro flow file or directory (default: ".maestro")
	ArtifactDir     string   // Directory searched for the build artifact (required)
	ArtifactPattern string   // Base name pattern (default: "*.apk")
	NewestArtifact  bool     // Pick the newest match instead of the first
	MaxPollAttempts int      // Boot polls per launch (default: 8)
	MaxBootRetries  *int     // Recreate cycles after a boot timeout (default: 2)
	DisableDemoMode bool     // Skip status bar overrides
	Latitude        *float64 // Fixed GPS latitude; needs Longitude too
	Longitude       *float64 // Fixed GPS longitude
	ClearLogs       bool     // Remove LogsDir before the flow runs
	LogsDir         string   // Maestro logs dir (default: ~/.maestro/tests)
}

// RunResult summarises a finished run.
type RunResult struct {
	State      string
	Serial     string
	Launches   int
	Provisions int
	Artifact   string
	Passed     bool
}

// UploadOptions contains options for uploading screenshots to S3.
type UploadOptions struct {
	Folder          string // Local folder; top-level files only (required)
	Bucket          string // S3 bucket (required)
	Project         string // Key project segment (default: "PAD")
	Version         string // App version (required)
	Device          string // "android" or "ios" (required)
	Theme           string // Optional theme segment
	Endpoint        string // S3 endpoint (default: s3.amazonaws.com)
	Region          string // Region (default: $AWS_REGION or us-east-1)
	AccessKeyID     string // Static key; empty uses the AWS credential chain
	SecretAccessKey string
	Insecure        bool // Disable TLS, e.g. for a local MinIO
}

// NotifyOptions contains options for the signed upload notification.
type NotifyOptions struct {
	URL     string // Webhook endpoint (required)
	Secret  string // HMAC-SHA256 secret (required)
	S3Path  string // Base of the reported folder_path
	Version string // App version (required)
	Device  string // "android" or "ios" (required)
	Theme   string
	Client  *http.Client // Optional HTTP client (default: 30s timeout)
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return device.StartSpan(ctx, m.env, name, attrs...)
}

func (m *Manager) tools() (lifecycle.Toolkit, error) {
	if m.toolkit != nil {
		return *m.toolkit, nil
	}
	return lifecycle.NewToolkit(m.env)
}

// Run executes clean, provision, launch, boot wait, configure, install, flow
// and teardown. A failing flow returns a TestExecution error together with a
// result whose State is "done".
func (m *Manager) Run(opts RunOptions) (RunResult, error) {
	ctx, span := m.startSpan("mobileflow.Run", attribute.String("name", opts.Name))
	defer span.End()

	lopts, err := m.runOptions(opts)
	if err != nil {
		device.RecordSpanError(span, err)
		return RunResult{}, err
	}
	tools, err := m.tools()
	if err != nil {
		device.RecordSpanError(span, err)
		return RunResult{}, err
	}
	o, err := lifecycle.New(m.env, tools, lopts)
	if err != nil {
		device.RecordSpanError(span, err)
		return RunResult{}, err
	}
	report, err := o.Run(ctx)
	if report == nil {
		return RunResult{}, err
	}
	return RunResult{
		State:      report.State,
		Serial:     report.Serial,
		Launches:   report.Launches,
		Provisions: report.Provisions,
		Artifact:   report.Artifact,
		Passed:     report.Passed,
	}, err
}

func (m *Manager) runOptions(opts RunOptions) (lifecycle.Options, error) {
	if strings.TrimSpace(opts.ArtifactDir) == "" {
		return lifecycle.Options{}, device.NewError(device.KindConfiguration, "artifact dir", errMissingArtifactDir)
	}
	def := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	budget := lifecycle.DefaultRetryBudget()
	if opts.MaxPollAttempts > 0 {
		budget.MaxPollAttempts = opts.MaxPollAttempts
	}
	if opts.MaxBootRetries != nil {
		budget.MaxBootRetries = *opts.MaxBootRetries
	}
	port := opts.Port
	if port == 0 {
		port = 5554
	}
	policy := device.PolicyFirst
	if opts.NewestArtifact {
		policy = device.PolicyNewest
	}
	out := lifecycle.Options{
		Spec: device.Spec{
			Name:            def(opts.Name, "maestro_pixel_7_pro"),
			SystemImage:     opts.SystemImage,
			HardwareProfile: def(opts.DeviceProfile, "pixel_7_pro"),
			Port:            port,
		},
		Budget: budget,
		Artifact: device.ArtifactQuery{
			Dir:     opts.ArtifactDir,
			Pattern: def(opts.ArtifactPattern, "*.apk"),
			Policy:  policy,
		},
		Flow:      def(opts.Flow, ".maestro"),
		ClearLogs: opts.ClearLogs,
		LogsDir:   def(opts.LogsDir, publish.DefaultLogsDir()),
	}
	if !opts.DisableDemoMode {
		o := device.DefaultOverrides()
		out.Overrides = &o
	}
	if opts.Latitude != nil || opts.Longitude != nil {
		if opts.Latitude == nil || opts.Longitude == nil {
			return lifecycle.Options{}, device.NewError(device.KindConfiguration, "location",
				errMissingCoordinate)
		}
		out.Location = &device.Location{Latitude: *opts.Latitude, Longitude: *opts.Longitude}
	}
	return out, nil
}

// ListRunning returns all currently running devices of the manager's platform.
func (m *Manager) ListRunning() ([]DeviceInfo, error) {
	ctx, span := m.startSpan("mobileflow.ListRunning")
	defer span.End()
	var reg lifecycle.Registry
	if m.toolkit != nil {
		reg = m.toolkit.Registry
	} else {
		r, err := lifecycle.NewRegistry(m.env)
		if err != nil {
			device.RecordSpanError(span, err)
			return nil, err
		}
		reg = r
	}
	handles, err := reg.ListDevices(ctx)
	if err != nil {
		device.RecordSpanError(span, err)
		return nil, err
	}
	result := make([]DeviceInfo, len(handles))
	for i, h := range handles {
		result[i] = DeviceInfo{
			Serial: h.Serial,
			Name:   h.Name,
			Port:   h.Port,
			State:  h.State.String(),
		}
	}
	return result, nil
}

// Upload uploads the top-level files of opts.Folder and returns their keys.
func (m *Manager) Upload(opts UploadOptions) ([]string, error) {
	ctx, span := m.startSpan("mobileflow.Upload", attribute.String("bucket", opts.Bucket))
	defer span.End()
	s3 := publish.NewS3Options()
	if opts.Endpoint != "" {
		s3.Endpoint = opts.Endpoint
	}
	if opts.Region != "" {
		s3.Region = opts.Region
	}
	s3.AccessKeyID = opts.AccessKeyID
	s3.SecretAccessKey = opts.SecretAccessKey
	s3.UseSSL = !opts.Insecure
	client, err := publish.NewMinIOClient(s3)
	if err != nil {
		device.RecordSpanError(span, err)
		return nil, err
	}
	res, err := publish.NewUploader(m.env, client).UploadFolder(ctx, publish.UploadOptions{
		Folder:  opts.Folder,
		Bucket:  opts.Bucket,
		Project: opts.Project,
		Version: opts.Version,
		Device:  opts.Device,
		Theme:   opts.Theme,
	})
	return res.Keys, err
}

// Notify posts the HMAC-signed upload notification.
func (m *Manager) Notify(opts NotifyOptions) error {
	ctx, span := m.startSpan("mobileflow.Notify")
	defer span.End()
	return publish.NewNotifier(m.env, opts.Client).Notify(ctx, publish.NotifyOptions{
		URL:     opts.URL,
		Secret:  opts.Secret,
		S3Path:  opts.S3Path,
		Version: opts.Version,
		Device:  opts.Device,
		Theme:   opts.Theme,
	})
}

// Create creates the device image, replacing an existing one with the same name.
func (m *Manager) Create(name, systemImage, deviceProfile string) error {
	ctx, span := m.startSpan("mobileflow.Create", attribute.String("name", name))
	defer span.End()
	p, err := m.provisioner()
	if err != nil {
		device.RecordSpanError(span, err)
		return err
	}
	err = p.Create(ctx, device.Spec{Name: name, SystemImage: systemImage, HardwareProfile: deviceProfile})
	device.RecordSpanError(span, err)
	return err
}

// Delete removes the device image. A missing image is not an error.
func (m *Manager) Delete(name string) error {
	ctx, span := m.startSpan("mobileflow.Delete", attribute.String("name", name))
	defer span.End()
	p, err := m.provisioner()
	if err != nil {
		device.RecordSpanError(span, err)
		return err
	}
	exists, err := p.Exists(ctx, name)
	if err != nil || !exists {
		device.RecordSpanError(span, err)
		return err
	}
	err = p.Delete(ctx, name)
	device.RecordSpanError(span, err)
	return err
}

// WaitForBoot polls serial until it reports boot completion or maxAttempts
// polls are used up.
func (m *Manager) WaitForBoot(serial string, maxAttempts int) error {
	ctx, span := m.startSpan("mobileflow.WaitForBoot", attribute.String("serial", serial))
	defer span.End()
	var w lifecycle.BootWaiter
	if m.toolkit != nil {
		w = m.toolkit.BootWaiter
	} else {
		bw, err := lifecycle.NewBootWaiter(m.env)
		if err != nil {
			device.RecordSpanError(span, err)
			return err
		}
		w = bw
	}
	if maxAttempts <= 0 {
		maxAttempts = lifecycle.DefaultRetryBudget().MaxPollAttempts
	}
	attempt := w.WaitForBoot(ctx, serial, maxAttempts)
	var err error
	switch attempt.Outcome {
	case device.OutcomeBooted:
		return nil
	case device.OutcomeTimedOut:
		err = device.NewError(device.KindBootTimeout, serial,
			fmt.Errorf("not booted after %d polls", attempt.Number))
	default:
		err = device.NewError(device.KindDevice, serial, attempt.Err)
	}
	device.RecordSpanError(span, err)
	return err
}

func (m *Manager) provisioner() (lifecycle.Provisioner, error) {
	if m.toolkit != nil {
		return m.toolkit.Provisioner, nil
	}
	return lifecycle.NewProvisioner(m.env)
}

// ClearLogs removes the Maestro logs directory; a missing one is fine.
func (m *Manager) ClearLogs(dir string) error {
	if dir == "" {
		dir = publish.DefaultLogsDir()
	}
	return publish.CleanLogs(m.env, dir)
}
