// Package storage fetches disk images from S3 into the local work directory.
package storage

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/corekit/coreflash/pkg/buffer"
	"github.com/corekit/coreflash/pkg/checksum"
	"github.com/corekit/coreflash/pkg/errors"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Client provides S3 storage operations
type Client struct {
	s3Client ObjectAPI
	bucket   string
	pool     *buffer.Pool
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// NewClientWithAPI wraps an existing S3 API implementation.
func NewClientWithAPI(api ObjectAPI, bucket string) *Client {
	return &Client{
		s3Client: api,
		bucket:   bucket,
		pool:     buffer.NewPool(0),
	}
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download streams an object into localPath and computes its SHA-256.
// The file only appears at localPath once the download is complete.
func (c *Client) Download(ctx context.Context, s3Key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}
	f, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".part-*")
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	defer f.Close()

	hash, _ := checksum.New(checksum.SHA256)
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	size, err := io.CopyBuffer(io.MultiWriter(f, hash), result.Body, *buf)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close local file")
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	sum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", sum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    sum,
		Size:      size,
	}, nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))

	return keys, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	return true, nil
}
