// Package blobstore moves transfer bytes to and from an S3 compatible object
// store. Blob transfers upload or copy each block into a part object and
// compose the parts into the destination on Finalize; downloads fetch each
// block with a ranged GET and write it at its offset.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/italolelis/blobtransfer/internal/transfer"
)

const (
	schemePrefix = "s3://"
	partsPrefix  = ".parts"

	// progressInterval is how often executors report bytes to the queue.
	progressInterval = 256 * 1024
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Object addresses one object in the store.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return schemePrefix + o.Bucket + "/" + o.Key
}

// Source is an object, or a byte range of it, used as copy input. A zero
// Length selects the whole object.
type Source struct {
	Object
	Offset int64
	Length int64
}

// objectStore is the subset of the object store API the executors use.
type objectStore interface {
	Put(ctx context.Context, obj Object, r io.Reader, size int64) error
	GetRange(ctx context.Context, obj Object, offset, length int64) (io.ReadCloser, error)
	Compose(ctx context.Context, dst Object, srcs []Source) error
	Copy(ctx context.Context, dst Object, src Source) error
	Remove(ctx context.Context, obj Object) error
	EnsureBucket(ctx context.Context, bucket, region string) error
}

// Client resolves transfer locations against a default bucket and hands out
// executors bound to the store.
type Client struct {
	objects objectStore
	bucket  string
	region  string
}

// New connects to the object store described by cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}

	mc, err := newMinioClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Client{objects: &minioStore{client: mc}, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the default bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	if c.bucket == "" {
		return nil
	}

	return c.objects.EnsureBucket(ctx, c.bucket, c.region)
}

// Bucket returns the default bucket.
func (c *Client) Bucket() string {
	return c.bucket
}

// ParseObject resolves loc to an object. "s3://bucket/key" names the bucket
// explicitly; anything else is a key in the default bucket.
func (c *Client) ParseObject(loc string) (Object, error) {
	bucket, key := c.bucket, strings.TrimPrefix(loc, "/")

	if rest, ok := strings.CutPrefix(loc, schemePrefix); ok {
		bucket, key, _ = strings.Cut(rest, "/")
	}

	if bucket == "" || key == "" {
		return Object{}, transfer.Terminal("parse_location", fmt.Errorf("invalid object location %q", loc))
	}

	return Object{Bucket: bucket, Key: key}, nil
}

// partObject is where block index of t is staged before Finalize composes
// the destination.
func partObject(dst Object, t transfer.Transfer, index int) Object {
	return Object{
		Bucket: dst.Bucket,
		Key:    fmt.Sprintf("%s/%s/%06d", partsPrefix, t.ID(), index),
	}
}

// classify maps object store failures onto the transfer error taxonomy.
// Errors without an HTTP status are left to transfer.IsTransient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var resp minio.ErrorResponse
	if !errors.As(err, &resp) || resp.StatusCode == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}

	code := resp.StatusCode

	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return &transfer.TransientTransferError{Operation: op, StatusCode: code, Err: err}
	default:
		return &transfer.TerminalTransferError{Operation: op, StatusCode: code, Err: err}
	}
}
