// Package eviction implements the TTL-driven eviction loop: a
// ticker-driven background pass that deletes expired cache entries, their
// owning artifacts, and best-effort the underlying blobs.
package eviction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/objectstore"
)

const defaultBatchSize = 100

type Loop struct {
	entries   domain.CacheEntryRepository
	artifacts domain.ArtifactRepository
	store     objectstore.Store
	log       *slog.Logger
	batchSize int
}

func New(
	entries domain.CacheEntryRepository,
	artifacts domain.ArtifactRepository,
	store objectstore.Store,
	log *slog.Logger,
) *Loop {
	return &Loop{
		entries:   entries,
		artifacts: artifacts,
		store:     store,
		log:       log,
		batchSize: defaultBatchSize,
	}
}

// Start runs a pass immediately, then on every tick of interval. Call in a
// goroutine; it returns when ctx is cancelled.
func (l *Loop) Start(ctx context.Context, interval time.Duration) {
	l.log.Info("eviction loop started", "interval", interval)

	l.RunPass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("eviction loop stopped")
			return
		case <-ticker.C:
			l.RunPass(ctx)
		}
	}
}

// RunPass repeatedly fetches bounded batches of expired CacheEntry rows and
// removes the artifact they point to, best-effort deleting the blob first.
// It stops once a batch returns fewer rows than the batch size.
func (l *Loop) RunPass(ctx context.Context) {
	removed := 0
	for {
		expired, err := l.entries.ExpiredBatch(ctx, time.Now(), l.batchSize)
		if err != nil {
			l.log.Warn("eviction: failed to list expired cache entries", "err", err)
			return
		}
		if len(expired) == 0 {
			break
		}

		var orphanKeys []string
		var live []*domain.CacheEntry
		for _, entry := range expired {
			_, err := l.artifacts.GetByStorageKey(ctx, entry.RepositoryID, entry.StorageKey)
			switch {
			case err == nil:
				live = append(live, entry)
			case errors.Is(err, domain.ErrNotFound):
				// No artifact row matches; the CacheEntry is an orphan left
				// behind by a prior partial pass.
				orphanKeys = append(orphanKeys, entry.Key)
			default:
				// Transient lookup failure — leave the entry alone rather
				// than risk evicting one that's still valid.
				l.log.Warn("eviction: failed to check artifact for cache entry, leaving it alone", "key", entry.StorageKey, "err", err)
			}
		}

		for _, entry := range live {
			if err := l.store.Delete(ctx, entry.StorageKey); err != nil {
				l.log.Warn("eviction: failed to delete blob", "key", entry.StorageKey, "err", err)
			}
		}

		for _, entry := range live {
			if err := l.artifacts.DeleteByStorageKey(ctx, entry.RepositoryID, entry.StorageKey); err != nil {
				l.log.Warn("eviction: failed to delete artifact row", "repository_id", entry.RepositoryID, "err", err)
			}
			removed++
		}

		if len(orphanKeys) > 0 {
			if err := l.entries.DeleteByKeys(ctx, orphanKeys); err != nil {
				l.log.Warn("eviction: failed to delete orphan cache entries", "err", err)
			}
		}

		if len(expired) < l.batchSize {
			break
		}
	}

	if removed > 0 {
		l.log.Info("eviction pass completed", "removed", removed)
	}
}
