// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package publish ships a run's screenshots and tells the outside world.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/mobileflow/internal/device"
)

const DefaultProject = "PAD"

// S3Options configures the object store connection.
type S3Options struct {
	Endpoint        string `json:"endpoint" mapstructure:"s3-endpoint"`
	Region          string `json:"region" mapstructure:"s3-region"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"s3-access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"s3-secret-access-key"`
	SessionToken    string `json:"-" mapstructure:"s3-session-token"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"s3-use-ssl"`
}

func NewS3Options() S3Options {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return S3Options{
		Endpoint: "s3.amazonaws.com",
		Region:   region,
		UseSSL:   true,
	}
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Endpoint, "s3-endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local:9000)")
	fs.StringVar(&o.Region, "s3-region", o.Region, "S3 region")
	fs.StringVar(&o.AccessKeyID, "s3-access-key-id", o.AccessKeyID, "S3 access key ID (default: AWS credential chain)")
	fs.StringVar(&o.SecretAccessKey, "s3-secret-access-key", o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, "s3-use-ssl", o.UseSSL, "Enable SSL for the S3 connection")
}

// ObjectPutter is the part of *minio.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader,
		objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewMinIOClient builds an S3 client. Static keys win; otherwise the AWS
// environment, the shared credentials file and IAM are tried in order.
func NewMinIOClient(opts S3Options) (*minio.Client, error) {
	var creds *credentials.Credentials
	if opts.AccessKeyID != "" {
		creds = credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return client, nil
}

// UploadOptions selects what to upload and where.
type UploadOptions struct {
	Folder  string
	Bucket  string
	Project string
	Version string
	Device  string
	Theme   string
}

func (o UploadOptions) validate() error {
	var missing []string
	if strings.TrimSpace(o.Folder) == "" {
		missing = append(missing, "folder")
	}
	if strings.TrimSpace(o.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if strings.TrimSpace(o.Version) == "" {
		missing = append(missing, "version")
	}
	if strings.TrimSpace(o.Device) == "" {
		missing = append(missing, "device")
	}
	if len(missing) > 0 {
		return device.NewError(device.KindConfiguration, "upload",
			fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", ")))
	}
	if st, err := os.Stat(o.Folder); err != nil || !st.IsDir() {
		return device.NewError(device.KindConfiguration, "upload folder",
			fmt.Errorf("the folder path does not exist: %s", o.Folder))
	}
	return nil
}

// KeyPrefix returns projects/<project>/screenshots/ver:<v>[/theme:<t>]/device:<d>.
func KeyPrefix(project, version, theme, dev string) string {
	if project == "" {
		project = DefaultProject
	}
	return path.Join("projects", project, "screenshots", versionPath(version, theme, dev))
}

func versionPath(version, theme, dev string) string {
	p := "ver:" + version
	if theme != "" {
		p += "/theme:" + theme
	}
	return p + "/device:" + dev
}

// UploadResult lists the object keys written.
type UploadResult struct {
	Keys  []string
	Bytes int64
}

type Uploader struct {
	env    device.Env
	client ObjectPutter
}

func NewUploader(env device.Env, client ObjectPutter) *Uploader {
	return &Uploader{env: env, client: client}
}

// UploadFolder uploads every regular, non-hidden top-level file of opts.Folder.
func (u *Uploader) UploadFolder(ctx context.Context, opts UploadOptions) (UploadResult, error) {
	if err := opts.validate(); err != nil {
		return UploadResult{}, err
	}
	prefix := KeyPrefix(opts.Project, opts.Version, opts.Theme, opts.Device)
	ctx, span := device.StartSpan(ctx, u.env, "publish.UploadFolder",
		attribute.String("bucket", opts.Bucket),
		attribute.String("prefix", prefix),
	)
	defer span.End()
	device.LogEvent(u.env, "upload start", "folder", opts.Folder, "bucket", opts.Bucket, "prefix", prefix)

	entries, err := os.ReadDir(opts.Folder)
	if err != nil {
		device.RecordSpanError(span, err)
		return UploadResult{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var result UploadResult
	for _, e := range entries {
		// Hidden files such as .DS_Store are not screenshots.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key := path.Join(prefix, e.Name())
		n, err := u.putFile(ctx, opts.Bucket, key, filepath.Join(opts.Folder, e.Name()))
		if err != nil {
			device.RecordSpanError(span, err)
			return result, fmt.Errorf("upload %s to s3://%s/%s: %w", e.Name(), opts.Bucket, key, err)
		}
		result.Keys = append(result.Keys, key)
		result.Bytes += n
	}
	span.SetAttributes(attribute.Int("objects", len(result.Keys)), attribute.Int64("bytes", result.Bytes))
	device.LogEvent(u.env, "upload finished",
		"bucket", opts.Bucket, "objects", len(result.Keys), "size", units.HumanSize(float64(result.Bytes)))
	return result, nil
}

func (u *Uploader) putFile(ctx context.Context, bucket, key, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !st.Mode().IsRegular() {
		return 0, errors.New("not a regular file")
	}
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	device.LogEvent(u.env, "uploading object", "file", file, "key", key, "size", units.HumanSize(float64(st.Size())))
	info, err := u.client.PutObject(ctx, bucket, key, f, st.Size(), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}
