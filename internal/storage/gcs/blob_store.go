// Package gcs mirrors node artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/labnodes/internal/storage/local"
)

// Config captures the parameters required to archive to GCS.
type Config struct {
	Bucket string
	Prefix string
	Node   string
}

// Archiver uploads local artifacts to a configured GCS bucket.
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
	node   string
}

// New creates a GCS-backed archiver.
func New(client *storage.Client, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("node alias is required")
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		node:   cfg.Node,
	}, nil
}

// ObjectName returns the object key used for an artifact of the given kind.
func (a *Archiver) ObjectName(kind, localPath string) string {
	return path.Join(a.prefix, a.node, kind, filepath.Base(localPath))
}

// Archive uploads the file at localPath and returns its gs:// URI.
func (a *Archiver) Archive(ctx context.Context, kind, localPath string) (string, error) {
	if strings.TrimSpace(kind) == "" {
		return "", fmt.Errorf("artifact kind is required")
	}
	// #nosec G304 -- paths come from the node's own working directory.
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	object := a.ObjectName(kind, localPath)
	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = local.ContentType(localPath)
	if _, err := io.Copy(writer, f); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
