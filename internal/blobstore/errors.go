package blobstore

import (
	"errors"
	"fmt"
)

// Typed errors every BlobStore implementation must surface (spec.md §6).
var (
	ErrUnauthorized  = errors.New("blobstore: unauthorized")
	ErrQuotaExceeded = errors.New("blobstore: quota exceeded")
	ErrTransient     = errors.New("blobstore: transient failure")
	ErrFatal         = errors.New("blobstore: fatal error")

	// ErrRateLimited is the sentinel RateLimitedError wraps, so callers
	// can use errors.Is(err, ErrRateLimited) without knowing about the
	// concrete type.
	ErrRateLimited = errors.New("blobstore: rate limited")
)

// RateLimitedError carries the server's Retry-After hint (spec.md §5:
// "429 responses extract a Retry-After and convert to a typed
// RateLimited(seconds) error").
type RateLimitedError struct {
	Seconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("blobstore: rate limited, retry after %ds", e.Seconds)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
