package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func newMinioClient(cfg Config) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

type minioStore struct {
	client *minio.Client
}

func (s *minioStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}

	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return nil
}

func (s *minioStore) Put(ctx context.Context, obj Object, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, obj.Bucket, obj.Key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})

	return err
}

func (s *minioStore) GetRange(ctx context.Context, obj Object, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}

	return s.client.GetObject(ctx, obj.Bucket, obj.Key, opts)
}

func (s *minioStore) Compose(ctx context.Context, dst Object, srcs []Source) error {
	opts := make([]minio.CopySrcOptions, 0, len(srcs))
	for _, src := range srcs {
		opts = append(opts, copySource(src))
	}

	_, err := s.client.ComposeObject(ctx, minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key}, opts...)

	return err
}

func (s *minioStore) Copy(ctx context.Context, dst Object, src Source) error {
	_, err := s.client.CopyObject(ctx, minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key}, copySource(src))

	return err
}

func (s *minioStore) Remove(ctx context.Context, obj Object) error {
	return s.client.RemoveObject(ctx, obj.Bucket, obj.Key, minio.RemoveObjectOptions{})
}

func copySource(src Source) minio.CopySrcOptions {
	opts := minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key}

	if src.Length > 0 {
		opts.MatchRange = true
		opts.Start = src.Offset
		opts.End = src.Offset + src.Length - 1
	}

	return opts
}
