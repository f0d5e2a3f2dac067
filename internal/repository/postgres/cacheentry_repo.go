package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pullcache/registry-proxy/internal/domain"
)

type CacheEntryRepo struct {
	pool *pgxpool.Pool
}

func NewCacheEntryRepo(pool *pgxpool.Pool) *CacheEntryRepo {
	return &CacheEntryRepo{pool: pool}
}

// Upsert writes the CacheEntry keyed on the owning artifact's id, resolved
// by (repository_id, storage_key). It must run after the Artifact row
// exists (the artifact_id foreign key requires it).
func (r *CacheEntryRepo) Upsert(ctx context.Context, entry *domain.CacheEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, artifact_id, repository_id, storage_key, expires_at)
		SELECT $1, a.id, $2, $3, $4
		FROM artifacts a
		WHERE a.repository_id = $2 AND a.storage_key = $3
		ON CONFLICT (key) DO UPDATE SET
			artifact_id = EXCLUDED.artifact_id,
			storage_key = EXCLUDED.storage_key,
			expires_at = EXCLUDED.expires_at
	`, entry.Key, entry.RepositoryID, entry.StorageKey, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (r *CacheEntryRepo) ExpiredBatch(ctx context.Context, now time.Time, limit int) ([]*domain.CacheEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, repository_id, storage_key, expires_at
		FROM cache_entries
		WHERE expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired cache entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.CacheEntry
	for rows.Next() {
		e := &domain.CacheEntry{}
		if err := rows.Scan(&e.Key, &e.RepositoryID, &e.StorageKey, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *CacheEntryRepo) DeleteByKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, keys)
	if err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}
	return nil
}
