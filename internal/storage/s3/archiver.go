// Package s3 mirrors node artifacts to an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/JakeFAU/labnodes/internal/storage/local"
)

// ClientConfig addresses the object store. Endpoint is only needed for
// S3-compatible services such as MinIO.
type ClientConfig struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg ClientConfig) (*awss3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Putter is the subset of *awss3.Client the archiver uses.
type Putter interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Config names the destination of archived artifacts.
type Config struct {
	Bucket string
	Prefix string
	Node   string
}

// Archiver uploads local artifacts to a bucket.
type Archiver struct {
	client Putter
	bucket string
	prefix string
	node   string
}

// New creates an S3-backed archiver.
func New(client Putter, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
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

// Key returns the object key used for an artifact of the given kind.
func (a *Archiver) Key(kind, localPath string) string {
	return path.Join(a.prefix, a.node, kind, filepath.Base(localPath))
}

// Archive uploads the file at localPath and returns its s3:// URI.
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

	key := a.Key(kind, localPath)
	_, err = a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(local.ContentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
