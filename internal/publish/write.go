package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/rshade/rainbow-pricing/internal/transport"
)

// WriteDir writes every artifact into dir. Each file is written to a
// temporary file first, synced and renamed into place, so readers never see
// a partial resource. The directory is synced once all artifacts are in
// place, so the manifest written last never survives a crash without the
// pages it lists.
func WriteDir(dir string, artifacts []Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, a := range artifacts {
		if err := writeArtifact(dir, a); err != nil {
			return fmt.Errorf("%s: %w", a.Name, err)
		}
	}
	return syncDir(dir)
}

func writeArtifact(dir string, a Artifact) (err error) {
	if !filepath.IsLocal(a.Name) || filepath.Base(a.Name) != a.Name {
		return fmt.Errorf("invalid artifact name %q", a.Name)
	}

	tmp, err := os.CreateTemp(dir, "."+a.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(a.Data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, a.Name)); err != nil {
		return fmt.Errorf("failed to move into place: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return nil
}

// S3Publisher uploads artifacts to a bucket.
type S3Publisher struct {
	Client transport.S3API
	Config transport.S3Config
	Logger zerolog.Logger
}

// NewS3Publisher returns a publisher for the bucket of cfg.
func NewS3Publisher(client transport.S3API, cfg transport.S3Config, logger zerolog.Logger) *S3Publisher {
	cfg.ApplyDefaults()
	return &S3Publisher{Client: client, Config: cfg, Logger: logger}
}

// Publish uploads the artifacts in order. Pages go first and the manifest
// last, as Build returns them, so a reader following the manifest never
// finds a missing page.
func (p *S3Publisher) Publish(ctx context.Context, artifacts []Artifact) error {
	for _, a := range artifacts {
		key := p.Config.Key(a.Name)
		_, err := p.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(p.Config.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(a.Data),
			ContentLength: aws.Int64(int64(len(a.Data))),
			ContentType:   aws.String(a.ContentType),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		p.Logger.Info().
			Str("bucket", p.Config.Bucket).
			Str("key", key).
			Int("bytes", len(a.Data)).
			Int("records", a.Records).
			Msg("uploaded")
	}
	return nil
}
