// Package blobstore keeps generated report files. Production uses an
// S3-compatible bucket through minio-go; tests and memory mode keep files in
// process.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNotFound = errors.New("object not found")
	// ErrPresignUnsupported is returned by stores that cannot hand out direct
	// download links. Callers serve the object themselves instead.
	ErrPresignUnsupported = errors.New("presigned urls not supported")
)

type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

type Store interface {
	Put(ctx context.Context, obj Object) error
	Get(ctx context.Context, key string) (*Object, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// -- S3 --

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	Prefix          string
	UseSSL          bool
}

type S3Store struct {
	raw    *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{raw: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Put(ctx context.Context, obj Object) error {
	key := s.prefix + obj.Key
	_, err := s.raw.PutObject(ctx, s.bucket, key, bytes.NewReader(obj.Data), int64(len(obj.Data)), minio.PutObjectOptions{
		ContentType: obj.ContentType,
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	full := s.prefix + key
	o, err := s.raw.GetObject(ctx, s.bucket, full, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", full, err)
	}
	defer o.Close()
	info, err := o.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object %q: %w", full, err)
	}
	data, err := io.ReadAll(o)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", full, err)
	}
	return &Object{Key: key, ContentType: info.ContentType, Data: data}, nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	full := s.prefix + key
	u, err := s.raw.PresignedGetObject(ctx, s.bucket, full, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign get object %q: %w", full, err)
	}
	return u.String(), nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	ok, err := s.raw.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// -- memory --

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(_ context.Context, obj Object) error {
	if obj.Key == "" {
		return errors.New("object key is required")
	}
	obj.Data = append([]byte(nil), obj.Data...)
	s.mu.Lock()
	s.objects[obj.Key] = obj
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

func (s *MemoryStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}
