// Package errkind classifies domain errors into the seven kinds named
// in spec.md §7 plus a Config kind. CLI exit codes, BackupEngine/SyncEngine retry routing,
// and user notification all read from the single Classify function
// instead of duplicating errors.Is chains three times over.
package errkind

import (
	"errors"

	"github.com/hyperengineering/bookmarksync/internal/blobstore"
	"github.com/hyperengineering/bookmarksync/internal/config"
	"github.com/hyperengineering/bookmarksync/internal/crypto"
	"github.com/hyperengineering/bookmarksync/internal/delta"
	"github.com/hyperengineering/bookmarksync/internal/syncengine"
)

// Kind is one of the seven error kinds from spec.md §7, Config, or
// Unknown.
type Kind int

const (
	// Unknown is returned for an error Classify does not recognize; it
	// is treated the same as Fatal by callers.
	Unknown Kind = iota
	Config
	Auth
	Transient
	Conflict
	InconsistentDelta
	ResourceDenied
	Crypto
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Auth:
		return "auth"
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case InconsistentDelta:
		return "inconsistent_delta"
	case ResourceDenied:
		return "resource_denied"
	case Crypto:
		return "crypto"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrResourceDenied marks a transaction step skipped by ResourceMonitor
// denial. This is not a failure: it signals the deferred-work path.
var ErrResourceDenied = errors.New("errkind: resource denied")

// Classify maps an error to its spec.md §7 kind by walking sentinel
// chains from the owning packages. An unrecognized error classifies as
// Fatal: surfaced, not retried.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	switch {
	case errors.Is(err, config.ErrConfig):
		return Config
	case errors.Is(err, ErrResourceDenied):
		return ResourceDenied
	case errors.Is(err, syncengine.ErrManualResolutionRequired):
		return Conflict
	case errors.Is(err, blobstore.ErrUnauthorized):
		return Auth
	case errors.Is(err, blobstore.ErrRateLimited),
		errors.Is(err, blobstore.ErrQuotaExceeded),
		errors.Is(err, blobstore.ErrTransient):
		return Transient
	case errors.Is(err, delta.ErrInconsistentDelta):
		return InconsistentDelta
	case errors.Is(err, crypto.ErrCrypto):
		return Crypto
	case errors.Is(err, blobstore.ErrFatal):
		return Fatal
	default:
		return Fatal
	}
}

// Retryable reports whether a transaction that failed with this kind
// should be handed to the retry state machine (spec.md §7: only
// Transient is retried automatically; Auth gets exactly one transparent
// refresh-and-retry, handled separately by the BlobStore adapter).
func Retryable(k Kind) bool {
	return k == Transient
}

// ExitCode maps a top-level CLI error to the exit codes of spec.md §6:
// 0 success, 2 config error, 3 auth error, 4 transient (retry), 5 fatal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Classify(err) {
	case Config:
		return 2
	case Auth:
		return 3
	case Transient, ResourceDenied, Conflict:
		// Conflict reuses the transient exit code: spec.md §6 enumerates
		// only 0/2/3/4/5, and "needs a manual resolve, try again after"
		// is the closest fit to 4 among those.
		return 4
	default:
		return 5
	}
}
