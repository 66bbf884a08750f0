// Package blobstore wraps the remote object service behind the typed
// BlobStore capability interface from pkg/bookmarkapi: find-or-create
// folder, upload, download, list, delete (spec.md §2, §4's "BlobStore
// adapter"). S3BlobStore's FindOrCreateFolder, Upload and Download
// refresh the token and retry once on Unauthorized; List and Delete do
// not. Every other failure, transient ones included, is returned as its
// typed error without a retry.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/bookmarksync/internal/config"
	"github.com/hyperengineering/bookmarksync/pkg/bookmarkapi"
)

// s3Client is the minimal minio.Client surface S3BlobStore depends on,
// narrowed so tests can supply a fake instead of a real client.
type s3Client interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// S3BlobStore implements bookmarkapi.BlobStore over S3-compatible
// storage. "Folders" are simulated as key prefixes, since S3 has no
// real folder objects; FindOrCreateFolder returns the prefix itself.
//
// When tokenSource is set, the session token it issues is threaded
// into the client's static credentials as the AWS session-token field.
// A 401 rebuilds the client against a freshly issued token rather than
// retrying the same expired credentials (minio.Client caches its
// signer at construction time and has no exported refresh hook).
type S3BlobStore struct {
	cfg         config.BlobStoreConfig
	tokenSource bookmarkapi.TokenSource // optional; nil for static-credential deployments

	mu           sync.RWMutex
	client       s3Client
	currentToken string
}

var _ bookmarkapi.BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore constructs a store from config. tokenSource may be nil
// when the deployment uses long-lived static credentials.
func NewS3BlobStore(cfg config.BlobStoreConfig, tokenSource bookmarkapi.TokenSource) (*S3BlobStore, error) {
	s := &S3BlobStore{cfg: cfg, tokenSource: tokenSource}

	token := ""
	if tokenSource != nil {
		t, err := tokenSource.Get(context.Background(), false)
		if err != nil {
			return nil, fmt.Errorf("blobstore: acquire initial token: %w", err)
		}
		token = t
	}
	client, err := newMinioClient(cfg, token)
	if err != nil {
		return nil, fmt.Errorf("blobstore: create S3 client: %w", err)
	}
	s.client = client
	s.currentToken = token
	return s, nil
}

func newMinioClient(cfg config.BlobStoreConfig, sessionToken string) (*minio.Client, error) {
	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, sessionToken),
		Secure: useSSL,
		Region: cfg.Region,
	})
}

func (s *S3BlobStore) getClient() s3Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// refresh invalidates the stale token this call was made with and
// rebuilds the client around a freshly issued one, per
// pkg/bookmarkapi.TokenSource's contract: "Invalidate then Get(false)
// exactly once on an Unauthorized error" (spec.md §6).
func (s *S3BlobStore) refresh(ctx context.Context) error {
	if s.tokenSource == nil {
		return fmt.Errorf("blobstore: %w: no token source configured", ErrUnauthorized)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenSource.Invalidate(s.currentToken)
	token, err := s.tokenSource.Get(ctx, false)
	if err != nil {
		return err
	}
	client, err := newMinioClient(s.cfg, token)
	if err != nil {
		return err
	}
	s.client = client
	s.currentToken = token
	return nil
}

func (s *S3BlobStore) FindOrCreateFolder(ctx context.Context, name string, parentID string) (string, error) {
	prefix := joinPrefix(parentID, name)
	marker := prefix + "/.keep"
	_, err := withRetry(ctx, s.tokenSource, s.refresh, func() (minio.UploadInfo, error) {
		return s.getClient().PutObject(ctx, s.cfg.Bucket, marker, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	})
	if err != nil {
		return "", classifyErr(err)
	}
	return prefix, nil
}

func (s *S3BlobStore) List(ctx context.Context, folderID string, query bookmarkapi.ListQuery) (bookmarkapi.ListPage, error) {
	prefix := folderID
	if query.NamePrefix != "" {
		prefix = joinPrefix(folderID, query.NamePrefix)
	}
	var page bookmarkapi.ListPage
	ch := s.getClient().ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range ch {
		if obj.Err != nil {
			return bookmarkapi.ListPage{}, classifyErr(obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/.keep") {
			continue
		}
		page.Items = append(page.Items, bookmarkapi.ObjectInfo{
			ID:       obj.Key,
			Name:     baseName(obj.Key),
			Mime:     obj.ContentType,
			Modified: obj.LastModified,
			Size:     obj.Size,
		})
	}
	return page, nil
}

func (s *S3BlobStore) Upload(ctx context.Context, name string, data []byte, folderID string) (bookmarkapi.ObjectInfo, error) {
	key := joinPrefix(folderID, name)
	info, err := withRetry(ctx, s.tokenSource, s.refresh, func() (minio.UploadInfo, error) {
		return s.getClient().PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	})
	if err != nil {
		return bookmarkapi.ObjectInfo{}, classifyErr(err)
	}
	return bookmarkapi.ObjectInfo{ID: key, Name: name, Size: info.Size, Modified: time.Now().UTC()}, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) ([]byte, error) {
	obj, err := withRetry(ctx, s.tokenSource, s.refresh, func() (*minio.Object, error) {
		return s.getClient().GetObject(ctx, s.cfg.Bucket, id, minio.GetObjectOptions{})
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyErr(err)
	}
	return data, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	err := s.getClient().RemoveObject(ctx, s.cfg.Bucket, id, minio.RemoveObjectOptions{})
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// Stat reports whether an object exists with the exact given size.
// BackupEngine's deterministic-filename check uses List, not Stat.
func (s *S3BlobStore) Stat(ctx context.Context, id string) (size int64, exists bool, err error) {
	info, statErr := s.getClient().StatObject(ctx, s.cfg.Bucket, id, minio.StatObjectOptions{})
	if statErr != nil {
		resp := minio.ToErrorResponse(statErr)
		if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
			return 0, false, nil
		}
		return 0, false, classifyErr(statErr)
	}
	return info.Size, true, nil
}

func joinPrefix(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, strings.Trim(p, "/"))
		}
	}
	return strings.Join(nonEmpty, "/")
}

func baseName(key string) string {
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// withRetry performs one transparent token refresh and retry on an
// Unauthorized response, per spec.md §5: "401 triggers a single
// transparent token-refresh and one retry." refresh is called exactly
// once, before the single retry of fn; it is responsible for
// invalidating the stale credentials and installing refreshed ones
// before returning.
func withRetry[T any](ctx context.Context, ts bookmarkapi.TokenSource, refresh func(ctx context.Context) error, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if ts == nil || !errors.Is(classifyErr(err), ErrUnauthorized) {
		return result, err
	}
	if refreshErr := refresh(ctx); refreshErr != nil {
		return result, err
	}
	return fn()
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Message)
	case resp.StatusCode == 429:
		return &RateLimitedError{Seconds: retryAfterSeconds(resp)}
	case resp.Code == "QuotaExceeded" || resp.StatusCode == 507:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, resp.Message)
	case resp.StatusCode >= 500 || resp.StatusCode == 0:
		return fmt.Errorf("%w: %s", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %s", ErrFatal, err)
	}
}

// retryAfterSeconds extracts the Retry-After hint. minio-go does not
// surface response headers on ErrorResponse, so this falls back to a
// conservative default when unavailable.
func retryAfterSeconds(resp minio.ErrorResponse) int {
	if resp.StatusCode == 429 {
		return 30
	}
	return 0
}
