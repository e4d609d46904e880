// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package publish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/mobileflow/internal/device"
)

const (
	SignatureHeader = "X-Action-Signature"
	UploadedMessage = "Screenshots uploaded"
)

// Payload is the notification body. Field order is part of the signed bytes.
type Payload struct {
	Message    string `json:"message"`
	Version    string `json:"version"`
	FolderPath string `json:"folder_path"`
}

// Sign returns "sha256=<hex HMAC-SHA256 of body>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// FolderPath returns <base>/ver:<v>[/theme:<t>]/device:<d>.
func FolderPath(base, version, theme, dev string) string {
	return strings.TrimSuffix(base, "/") + "/" + versionPath(version, theme, dev)
}

type NotifyOptions struct {
	URL     string
	Secret  string
	S3Path  string
	Version string
	Device  string
	Theme   string
}

func (o NotifyOptions) validate() error {
	var missing []string
	for _, f := range [][2]string{{"url", o.URL}, {"hmac secret", o.Secret}, {"version", o.Version}, {"device", o.Device}} {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return device.NewError(device.KindConfiguration, "notify",
			fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", ")))
	}
	u, err := url.Parse(o.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return device.NewError(device.KindConfiguration, "webhook url", fmt.Errorf("the provided URL is invalid: %s", o.URL))
	}
	switch strings.ToLower(o.Device) {
	case "android", "ios":
	default:
		return device.NewError(device.KindConfiguration, "device", fmt.Errorf("must be android or ios, got %q", o.Device))
	}
	return nil
}

type Notifier struct {
	env    device.Env
	client *http.Client
}

func NewNotifier(env device.Env, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{env: env, client: client}
}

// Notify posts the signed payload. Only HTTP 200 counts as success.
func (n *Notifier) Notify(ctx context.Context, opts NotifyOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	ctx, span := device.StartSpan(ctx, n.env, "publish.Notify", attribute.String("url", opts.URL))
	defer span.End()

	body, err := json.Marshal(Payload{
		Message:    UploadedMessage,
		Version:    opts.Version,
		FolderPath: FolderPath(opts.S3Path, opts.Version, opts.Theme, opts.Device),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		device.RecordSpanError(span, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, opts.Secret))

	resp, err := n.client.Do(req)
	if err != nil {
		device.RecordSpanError(span, err)
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	span.SetAttributes(attribute.Int("status", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("api request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		device.RecordSpanError(span, err)
		return err
	}
	device.LogEvent(n.env, "api request successful", "status", resp.StatusCode, "body", strings.TrimSpace(string(respBody)))
	return nil
}
