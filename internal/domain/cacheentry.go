package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CacheEntry is a TTL stamp on a stored artifact. Key is
// "<repo-id>:<name>:<version>"; exactly one entry exists per artifact and
// it is cascade-deleted with its artifact at the database level.
type CacheEntry struct {
	Key          string
	RepositoryID uuid.UUID
	StorageKey   string
	ExpiresAt    time.Time
}

func CacheEntryKey(repositoryID uuid.UUID, name, version string) string {
	return repositoryID.String() + ":" + name + ":" + version
}

type CacheEntryRepository interface {
	Upsert(ctx context.Context, entry *CacheEntry) error
	// ExpiredBatch returns up to limit entries with ExpiresAt before now,
	// for the eviction loop's bounded-batch scan.
	ExpiredBatch(ctx context.Context, now time.Time, limit int) ([]*CacheEntry, error)
	DeleteByKeys(ctx context.Context, keys []string) error
}
