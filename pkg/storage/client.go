// Package storage fetches boot images from S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fly-io/metalprov/pkg/errors"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = stderrors.New("object not found")

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	api    API
	logger *slog.Logger
}

// NewClient creates an S3 client using the default credential chain. With
// anonymous set, requests are unsigned.
func NewClient(ctx context.Context, region string, anonymous bool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")
	logger.Info("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return NewWithAPI(s3.NewFromConfig(cfg), logger), nil
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(api API, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, logger: logger}
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Size returns the object's content length.
func (c *Client) Size(ctx context.Context, bucket, key string) (int64, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if stderrors.As(err, &nf) {
			return 0, ErrNotFound
		}
		c.logger.Error("s3_head_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return 0, errors.Wrap(err, "failed to stat object")
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Download writes the object to localPath and computes its SHA256. A partial
// file is removed on failure.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) (*DownloadResult, error) {
	c.logger.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		c.logger.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		c.logger.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		c.logger.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	c.logger.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}
