package cache

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/pullcache/registry-proxy/internal/domain"
)

// Kind is the cache engine's outcome sum type: every Serve call resolves to
// exactly one of Hit, Miss, or NotFound (engine-level failures are returned
// as an *Error instead).
type Kind int

const (
	Hit Kind = iota
	Miss
	NotFound
)

// Outcome is the result of one Serve call.
type Outcome struct {
	Kind Kind

	// RepositoryName is the candidate that served the request — the cache
	// hit's owner, or the winning upstream proxy on a Miss.
	RepositoryName string

	// RepositoryID is the same candidate's ID, populated alongside
	// RepositoryName on Hit and Miss — used to attribute the download event
	// Serve records for this outcome.
	RepositoryID uuid.UUID

	// Reader yields the artifact bytes for Hit and Miss. It is nil for
	// NotFound. Callers must Close it; on Miss, closing it before EOF marks
	// the caller disconnected without aborting the concurrent store sink.
	Reader io.ReadCloser

	// Artifact is populated on Hit.
	Artifact *domain.Artifact

	// Header carries any upstream response headers the winning fetch-hook
	// returned (e.g. a Docker manifest's Content-Type), populated on Miss.
	Header http.Header

	// Done is closed once the background store for a Miss completes,
	// letting tests and disconnected callers observe completion without
	// polling.
	Done <-chan struct{}
}

// FetchResult is what a FetchHook returns for a winning upstream fetch.
type FetchResult struct {
	Reader      io.ReadCloser
	ContentType string
	Header      http.Header
	Metadata    map[string]string
}

// FetchHook is the adapter-supplied closure that knows how to build the
// upstream request for one candidate repository. Returning an error that
// wraps domain.ErrNotFound means "try the next candidate"; any other error
// aborts the upstream pass.
type FetchHook func(ctx context.Context, member *domain.Repository) (*FetchResult, error)

// Target names either a single repository or a group by name — the logical
// destination a cache.Engine.Serve call resolves against.
type Target struct {
	RepositoryID *uuid.UUID
	GroupName    string
}

func RepositoryTarget(id uuid.UUID) Target { return Target{RepositoryID: &id} }
func GroupTarget(name string) Target       { return Target{GroupName: name} }
