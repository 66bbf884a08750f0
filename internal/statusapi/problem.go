package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/bookmarksync/internal/errkind"
)

// Problem is an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

var problemTypes = map[int]struct{ typeURI, title string }{
	http.StatusBadRequest:          {"https://bookmarksync.dev/errors/config", "Config Error"},
	http.StatusUnauthorized:        {"https://bookmarksync.dev/errors/auth", "Auth Error"},
	http.StatusServiceUnavailable:  {"https://bookmarksync.dev/errors/transient", "Transient Error"},
	http.StatusConflict:            {"https://bookmarksync.dev/errors/conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"https://bookmarksync.dev/errors/inconsistent-delta", "Inconsistent Delta"},
	http.StatusInternalServerError: {"https://bookmarksync.dev/errors/fatal", "Fatal Error"},
}

// WriteProblem writes an RFC 7807 response for the given status/detail.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct{ typeURI, title string }{"https://bookmarksync.dev/errors/unknown", http.StatusText(status)}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	p := Problem{Type: pt.typeURI, Title: pt.title, Status: status, Detail: detail}
	if r != nil {
		p.Instance = r.URL.Path
	}
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "statusapi", "error", err)
	}
}

// WriteProblemFromError classifies err with internal/errkind and writes
// the matching Problem Details response — the same error-kind table the
// CLI's exit-code classifier reads from, so HTTP clients and the CLI
// agree on what each domain error means.
func WriteProblemFromError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errkind.Classify(err) {
	case errkind.Config:
		status = http.StatusBadRequest
	case errkind.Auth:
		status = http.StatusUnauthorized
	case errkind.Transient, errkind.ResourceDenied:
		status = http.StatusServiceUnavailable
	case errkind.Conflict:
		status = http.StatusConflict
	case errkind.InconsistentDelta:
		status = http.StatusUnprocessableEntity
	case errkind.Crypto, errkind.Fatal, errkind.Unknown:
		status = http.StatusInternalServerError
	}
	WriteProblem(w, r, status, err.Error())
}
