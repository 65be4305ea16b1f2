package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Storage keeps raw uploads under blobs/<sha256> and derived artifacts under their own keys.
type Storage struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, opts Options) (*Storage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = "hybrid-rag"
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &Storage{client: client, bucket: bucket}, nil
}

func objectName(id string) string {
	if len(id) == sha256.Size*2 {
		if _, err := hex.DecodeString(id); err == nil {
			return "blobs/" + id
		}
	}
	return "named/" + id
}

func (s *Storage) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if exists {
		return id, nil
	}
	if err := s.put(ctx, objectName(id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Storage) PutNamed(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, objectName(key), data)
}

func (s *Storage) put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "s3 put", err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "s3 get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "s3 get", err)
		}
		return nil, domain.WrapError(domain.ErrTemporary, "s3 read", err)
	}
	return data, nil
}

func (s *Storage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName(id), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, domain.WrapError(domain.ErrTemporary, "s3 stat", err)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
