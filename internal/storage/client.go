package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/imagevault/imagevault/internal/domain"
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	UseSSL   bool
}

// Client is safe for concurrent use by all workers.
type Client struct {
	minio *minio.Client
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{minio: mc}, nil
}

func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("bucket is required")
	}

	exists, err := c.minio.BucketExists(ctx, bucket)
	if err != nil {
		return domain.NewStorageError("check bucket existence", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, bucket)
		if checkErr == nil && exists {
			return nil
		}
		return domain.NewStorageError("create bucket "+bucket, err)
	}

	return nil
}

// Persist returns the confirmed upload time.
func (c *Client) Persist(ctx context.Context, bucket, key string, data []byte, contentType string) (time.Time, error) {
	reader := bytes.NewReader(data)
	_, err := c.minio.PutObject(
		ctx,
		bucket,
		key,
		reader,
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return time.Time{}, domain.NewStorageError(fmt.Sprintf("put object %s/%s", bucket, key), err)
	}
	return time.Now().UTC(), nil
}

func (c *Client) FetchTo(ctx context.Context, bucket, key string, sink io.Writer) (bool, int64, error) {
	obj, err := c.minio.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return false, 0, domain.NewStorageError(fmt.Sprintf("get object %s/%s", bucket, key), err)
	}
	defer obj.Close()

	n, err := io.Copy(sink, obj)
	if err != nil {
		if isMissingObject(err) {
			return false, 0, nil
		}
		return false, n, domain.NewStorageError(fmt.Sprintf("read object %s/%s", bucket, key), err)
	}
	return true, n, nil
}

func (c *Client) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	var buf bytes.Buffer
	found, _, err := c.FetchTo(ctx, bucket, key, &buf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
	}
	return buf.Bytes(), nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	err := c.minio.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMissingObject(err) {
		return domain.NewStorageError(fmt.Sprintf("remove object %s/%s", bucket, key), err)
	}
	return nil
}

func isMissingObject(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.Code == "NoSuchBucket"
}
