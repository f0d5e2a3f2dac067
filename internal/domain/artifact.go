package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Artifact is a stored blob plus its metadata. Identity is the composite
// (RepositoryID, Name, Version); StorageKey is deterministic from
// (repository name, sanitised name, version).
type Artifact struct {
	ID             uuid.UUID
	RepositoryID   uuid.UUID
	Name           string
	Version        string
	StorageKey     string
	SizeBytes      int64
	Digest         string // lower-case hex SHA-256
	ContentType    string
	Metadata       map[string]string
	TTLOverride    *time.Duration
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

type ArtifactRepository interface {
	// Upsert inserts or replaces the artifact row for its identity.
	Upsert(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, repositoryID uuid.UUID, name, version string) (*Artifact, error)
	// GetByStorageKey looks up an artifact by its object-store key, the way
	// the eviction loop resolves a CacheEntry (which only carries a storage
	// key) back to its owning artifact.
	GetByStorageKey(ctx context.Context, repositoryID uuid.UUID, storageKey string) (*Artifact, error)
	Exists(ctx context.Context, repositoryID uuid.UUID, name, version string) (bool, error)
	// TouchLastAccessed is best-effort: a concurrent delete must make this
	// a silent no-op, never an error.
	TouchLastAccessed(ctx context.Context, repositoryID uuid.UUID, name, version string, at time.Time) error
	Delete(ctx context.Context, repositoryID uuid.UUID, name, version string) error
	DeleteByStorageKey(ctx context.Context, repositoryID uuid.UUID, storageKey string) error
}
