package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type ArtifactRepo struct {
	pool *pgxpool.Pool
}

func NewArtifactRepo(pool *pgxpool.Pool) *ArtifactRepo {
	return &ArtifactRepo{pool: pool}
}

func (r *ArtifactRepo) Upsert(ctx context.Context, a *domain.Artifact) error {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var ttlSeconds *int64
	if a.TTLOverride != nil {
		v := int64(a.TTLOverride.Seconds())
		ttlSeconds = &v
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO artifacts (
			repository_id, name, version, storage_key, size_bytes, digest,
			content_type, metadata, ttl_override_sec
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (repository_id, name, version) DO UPDATE SET
			storage_key = EXCLUDED.storage_key,
			size_bytes = EXCLUDED.size_bytes,
			digest = EXCLUDED.digest,
			content_type = EXCLUDED.content_type,
			metadata = EXCLUDED.metadata,
			ttl_override_sec = EXCLUDED.ttl_override_sec,
			last_accessed_at = now()
		RETURNING id, created_at, last_accessed_at
	`,
		a.RepositoryID, a.Name, a.Version, a.StorageKey, a.SizeBytes, a.Digest,
		a.ContentType, metaJSON, ttlSeconds,
	).Scan(&a.ID, &a.CreatedAt, &a.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

func (r *ArtifactRepo) Get(ctx context.Context, repositoryID uuid.UUID, name, version string) (*domain.Artifact, error) {
	a := &domain.Artifact{}
	var metaJSON []byte
	var ttlSeconds *int64

	err := r.pool.QueryRow(ctx, `
		SELECT id, repository_id, name, version, storage_key, size_bytes, digest,
		       content_type, metadata, ttl_override_sec, created_at, last_accessed_at
		FROM artifacts WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version).Scan(
		&a.ID, &a.RepositoryID, &a.Name, &a.Version, &a.StorageKey, &a.SizeBytes, &a.Digest,
		&a.ContentType, &metaJSON, &ttlSeconds, &a.CreatedAt, &a.LastAccessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if ttlSeconds != nil {
		d := time.Duration(*ttlSeconds) * time.Second
		a.TTLOverride = &d
	}

	return a, nil
}

func (r *ArtifactRepo) GetByStorageKey(ctx context.Context, repositoryID uuid.UUID, storageKey string) (*domain.Artifact, error) {
	a := &domain.Artifact{}
	var metaJSON []byte
	var ttlSeconds *int64

	err := r.pool.QueryRow(ctx, `
		SELECT id, repository_id, name, version, storage_key, size_bytes, digest,
		       content_type, metadata, ttl_override_sec, created_at, last_accessed_at
		FROM artifacts WHERE repository_id = $1 AND storage_key = $2
	`, repositoryID, storageKey).Scan(
		&a.ID, &a.RepositoryID, &a.Name, &a.Version, &a.StorageKey, &a.SizeBytes, &a.Digest,
		&a.ContentType, &metaJSON, &ttlSeconds, &a.CreatedAt, &a.LastAccessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get artifact by storage key: %w", err)
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if ttlSeconds != nil {
		d := time.Duration(*ttlSeconds) * time.Second
		a.TTLOverride = &d
	}

	return a, nil
}

func (r *ArtifactRepo) Exists(ctx context.Context, repositoryID uuid.UUID, name, version string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM artifacts WHERE repository_id = $1 AND name = $2 AND version = $3)
	`, repositoryID, name, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check artifact exists: %w", err)
	}
	return exists, nil
}

// TouchLastAccessed is best-effort: zero rows affected (a concurrent delete
// raced us) is not an error.
func (r *ArtifactRepo) TouchLastAccessed(ctx context.Context, repositoryID uuid.UUID, name, version string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE artifacts SET last_accessed_at = $4
		WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version, at)
	if err != nil {
		return fmt.Errorf("touch last accessed: %w", err)
	}
	return nil
}

func (r *ArtifactRepo) Delete(ctx context.Context, repositoryID uuid.UUID, name, version string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM artifacts WHERE repository_id = $1 AND name = $2 AND version = $3
	`, repositoryID, name, version)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (r *ArtifactRepo) DeleteByStorageKey(ctx context.Context, repositoryID uuid.UUID, storageKey string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM artifacts WHERE repository_id = $1 AND storage_key = $2
	`, repositoryID, storageKey)
	if err != nil {
		return fmt.Errorf("delete artifact by storage key: %w", err)
	}
	return nil
}
