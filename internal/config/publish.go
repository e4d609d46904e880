// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/forkbombeu/mobileflow/internal/publish"
)

// Publish holds the upload and notification settings.
type Publish struct {
	S3     publish.S3Options
	Upload publish.UploadOptions
	Notify publish.NotifyOptions
}

// AddPublishFlags registers upload and notification flags on fs.
func AddPublishFlags(fs *pflag.FlagSet) {
	s3 := publish.NewS3Options()
	s3.AddFlags(fs)
	fs.String("folder", "", "Local folder whose top-level files are uploaded")
	fs.String("bucket", "", "S3 bucket")
	fs.String("project", publish.DefaultProject, "Project segment of the object key")
	fs.String("version", "", "App version")
	fs.String("device", "", "Device platform segment: android or ios")
	fs.String("theme", "", "Optional theme segment")
	fs.String("webhook-url", "", "Endpoint notified after upload")
	fs.String("hmac-secret", "", "Secret used to sign the notification (prefer MOBILEFLOW_HMAC_SECRET)")
	fs.String("s3-path", "", "Base path reported in the notification's folder_path")
}

// LoadPublish resolves publish settings from fs and the environment.
// Option validation happens in the publish package when the action runs.
func LoadPublish(fs *pflag.FlagSet) (*Publish, error) {
	v, err := newViper(fs)
	if err != nil {
		return nil, err
	}
	dev := strings.ToLower(v.GetString("device"))
	return &Publish{
		S3: publish.S3Options{
			Endpoint:        v.GetString("s3-endpoint"),
			Region:          v.GetString("s3-region"),
			AccessKeyID:     v.GetString("s3-access-key-id"),
			SecretAccessKey: v.GetString("s3-secret-access-key"),
			SessionToken:    v.GetString("s3-session-token"),
			UseSSL:          v.GetBool("s3-use-ssl"),
		},
		Upload: publish.UploadOptions{
			Folder:  v.GetString("folder"),
			Bucket:  v.GetString("bucket"),
			Project: v.GetString("project"),
			Version: v.GetString("version"),
			Device:  dev,
			Theme:   v.GetString("theme"),
		},
		Notify: publish.NotifyOptions{
			URL:     v.GetString("webhook-url"),
			Secret:  v.GetString("hmac-secret"),
			S3Path:  v.GetString("s3-path"),
			Version: v.GetString("version"),
			Device:  dev,
			Theme:   v.GetString("theme"),
		},
	}, nil
}
