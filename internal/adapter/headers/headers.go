// Package headers centralizes the response headers every protocol adapter
// must set consistently.
package headers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pullcache/registry-proxy/internal/cache"
)

const (
	ImmutableCacheControl = "public, max-age=31536000, immutable"
	MutableCacheControl   = "public, max-age=300"
)

// WriteCacheStatus sets X-Cache, X-Repository, and ETag (on Hit) from a
// cache.Outcome the same way across every adapter.
func WriteCacheStatus(w http.ResponseWriter, outcome *cache.Outcome) {
	switch outcome.Kind {
	case cache.Hit:
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Repository", outcome.RepositoryName)
		if outcome.Artifact != nil {
			w.Header().Set("ETag", fmt.Sprintf("%q", outcome.Artifact.Digest))
		}
	case cache.Miss:
		w.Header().Set("X-Cache", "MISS")
		w.Header().Set("X-Repository", outcome.RepositoryName)
	}
}

// ErrorResponse is the JSON body written for adapter and cache-engine
// errors — a small, consistent shape across all six wire surfaces.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError maps a cache.Error's Kind to its HTTP status and writes a
// small JSON body.
func WriteError(w http.ResponseWriter, err *cache.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case cache.ErrorKindUpstreamUnavailable:
		status = http.StatusBadGateway
	case cache.ErrorKindUnauthorized:
		status = http.StatusUnauthorized
	case cache.ErrorKindInvalidRequest:
		status = http.StatusBadRequest
	case cache.ErrorKindStoreFailure:
		status = http.StatusOK // the caller already received bytes; not reachable via this path
	case cache.ErrorKindInternal:
		status = http.StatusInternalServerError
	}
	WriteJSONError(w, status, err.Error())
}

func WriteNotFound(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusNotFound, "not found")
}

func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
