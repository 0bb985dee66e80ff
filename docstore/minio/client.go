package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/creastat/taskflow/docstore"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultBucket        = "taskflow-documents"
	defaultPresignExpiry = 24 * time.Hour
)

// Config holds MinIO / S3 connection configuration.
type Config struct {
	// Endpoint is the server address, with or without scheme
	// (e.g., "https://s3.example.com" or "localhost:9000").
	Endpoint string

	AccessKey string
	SecretKey string

	// Bucket receives every document. Defaults to "taskflow-documents".
	Bucket string

	// UseSSL forces TLS when Endpoint carries no scheme.
	UseSSL bool

	// PresignExpiry bounds how long returned references stay valid.
	PresignExpiry time.Duration
}

// Client implements docstore.Store on an S3-compatible bucket. References
// are presigned GET URLs so the chat transport can hand them out directly.
type Client struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

var _ docstore.Store = (*Client)(nil)

// New creates a new MinIO client. It does not contact the server.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	host := cfg.Endpoint
	secure := cfg.UseSSL
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minio endpoint: %w", err)
		}
		host = u.Host
		secure = u.Scheme == "https"
	}

	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}

	return &Client{client: mc, bucket: bucket, expiry: expiry}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("minio bucket check failed: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio make bucket failed: %w", err)
	}
	return nil
}

// Put implements docstore.Store.
func (c *Client) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	objectName := objectKey(name)
	_, err := c.client.PutObject(ctx, c.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("minio put failed: %w", err)
	}

	u, err := c.client.PresignedGetObject(ctx, c.bucket, objectName, c.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("minio presign failed: %w", err)
	}
	return u.String(), nil
}

// Get implements docstore.Store. It accepts the presigned URLs returned by
// Put as well as bare object names.
func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	objectName, err := c.objectFromRef(ref)
	if err != nil {
		return nil, err
	}

	obj, err := c.client.GetObject(ctx, c.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get failed: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("minio read failed: %w", err)
	}
	return data, nil
}

// Close implements docstore.Store. The underlying client holds no
// resources that need releasing.
func (c *Client) Close() error {
	return nil
}

func (c *Client) objectFromRef(ref string) (string, error) {
	if !strings.Contains(ref, "://") {
		return strings.TrimPrefix(ref, "/"), nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid document reference: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimPrefix(path, c.bucket+"/")
	if path == "" {
		return "", docstore.ErrNotFound
	}
	return path, nil
}

func objectKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "document"
	}
	return uuid.NewString() + "/" + name
}
