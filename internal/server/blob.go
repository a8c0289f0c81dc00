// blob.go - Durable storage for uploaded note files.
//
// The default backend is a local or mounted filesystem; deployments without
// one can point CN_STORAGE_BACKEND=s3 at a MinIO/S3 bucket instead. Both sit
// behind BlobStore so the commit path and the sweep are backend-agnostic.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrBlobNotFound is returned by Get/Stat when the named blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the file side of the two-store commit. Put must be atomic per
// name: either the whole blob becomes durable or nothing does.
type BlobStore interface {
	Put(ctx context.Context, name string, contentType string, data []byte) error
	Get(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	Stat(ctx context.Context, name string) error
}

// cleanBlobName rejects anything that could escape the storage root. Names
// are generated internally from note ids, so a failure here is a bug, not
// user input.
func cleanBlobName(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return name, nil
}

// fsBlobStore keeps blobs as flat files under a root directory.
type fsBlobStore struct {
	root string
}

// NewFSBlobStore creates the root directory if needed and returns the store.
func NewFSBlobStore(root string) (BlobStore, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &fsBlobStore{root: abs}, nil
}

// Put writes to a temp file in the same directory and renames it into place,
// so a crash mid-write never leaves a partial blob under the final name.
func (s *fsBlobStore) Put(ctx context.Context, name, _ string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fsBlobStore) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	name, err := cleanBlobName(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *fsBlobStore) Delete(ctx context.Context, name string) error {
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fsBlobStore) Stat(ctx context.Context, name string) error {
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(s.root, name)); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobNotFound
		}
		return err
	}
	return nil
}

// minioBlobStore keeps blobs as objects in a bucket.
type minioBlobStore struct {
	client *minio.Client
	bucket string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, errors.New("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, errors.New("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioBlobStore connects to the configured bucket and verifies it exists.
func NewMinioBlobStore(rawEndpoint, accessKey, secretKey, bucket string) (BlobStore, error) {
	if rawEndpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("s3 configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(rawEndpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("bucket does not exist: %s", bucket)
	}

	return &minioBlobStore{client: client, bucket: bucket}, nil
}

func (s *minioBlobStore) Put(ctx context.Context, name, contentType string, data []byte) error {
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *minioBlobStore) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	name, err := cleanBlobName(name)
	if err != nil {
		return nil, 0, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	// Force an early error for a missing object.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, err
	}
	return obj, info.Size, nil
}

func (s *minioBlobStore) Delete(ctx context.Context, name string) error {
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
}

func (s *minioBlobStore) Stat(ctx context.Context, name string) error {
	name, err := cleanBlobName(name)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrBlobNotFound
		}
		return err
	}
	return nil
}
