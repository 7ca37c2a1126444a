// Package archive uploads a destroyed sandbox's captured output to
// object storage, so an instance's logs survive its container. Archival
// is best effort: the caller logs failures and proceeds with
// destruction either way.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qiniu/go-sdk/v7/storagev2/credentials"
	"github.com/qiniu/go-sdk/v7/storagev2/http_client"
	"github.com/qiniu/go-sdk/v7/storagev2/uploader"

	"github.com/jkaninda/sanduku/internal/driver"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const uploadTimeout = 30 * time.Second

// Config configures the object-storage log archiver.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	// Prefix is prepended to object names. Default: "sandbox-logs".
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Validate checks that an enabled config carries everything the
// uploader needs.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("archive: access_key and secret_key are required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("archive: bucket is required")
	}
	return nil
}

// Uploader ships instance log bundles to a bucket.
type Uploader struct {
	cfg    Config
	mgr    *uploader.UploadManager
	logger *slog.Logger
}

// NewUploader creates an archiver from config. Returns nil when
// archival is disabled so callers can pass it straight through.
func NewUploader(cfg Config, logger *slog.Logger) (*Uploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sandbox-logs"
	}
	mgr := uploader.NewUploadManager(&uploader.UploadManagerOptions{
		Options: http_client.Options{
			Credentials: credentials.NewCredentials(cfg.AccessKey, cfg.SecretKey),
		},
	})
	return &Uploader{cfg: cfg, mgr: mgr, logger: logger}, nil
}

// ArchiveLogs captures the instance's output via the driver and uploads
// it as <prefix>/<type>/<id>.log. Drivers without log capture are a
// silent no-op.
func (u *Uploader) ArchiveLogs(ctx context.Context, inst *sandbox.Instance, drv driver.Driver) error {
	src, ok := drv.(driver.LogSource)
	if !ok {
		return nil
	}
	logs, err := src.Logs(ctx, driver.Handle{ID: inst.BackendID, Name: inst.Name})
	if err != nil {
		return fmt.Errorf("capturing logs for %s: %w", inst.ID, err)
	}
	defer logs.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	key := u.objectName(inst)
	err = u.mgr.UploadReader(ctx, logs, &uploader.ObjectOptions{
		BucketName:  u.cfg.Bucket,
		ObjectName:  &key,
		FileName:    inst.ID + ".log",
		ContentType: "text/plain",
		Metadata: map[string]string{
			"sandbox-type": inst.Type,
			"worker":       inst.Name,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	u.logger.Info("sandbox logs archived",
		slog.String("id", inst.ID),
		slog.String("object", key),
	)
	return nil
}

func (u *Uploader) objectName(inst *sandbox.Instance) string {
	return fmt.Sprintf("%s/%s/%s.log", u.cfg.Prefix, inst.Type, inst.ID)
}
