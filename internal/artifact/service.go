// Package artifact implements the artifact service: content-addressed
// storage of proxied packages backed by an objectstore.Store and a Postgres
// metadata store, with last-accessed bumps and download-event recording
// pushed onto the background worker pool so they never sit on the request's
// hot path.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/objectstore"
	"github.com/pullcache/registry-proxy/internal/worker"
)

var sanitiseRE = regexp.MustCompile(`[^A-Za-z0-9@/_.\-]`)

// SanitiseName replaces every byte outside [A-Za-z0-9@/_.-] with '_', so
// composite names (e.g. a Docker "<image>:blob:<digest>") stay deterministic
// and filesystem/S3-key safe.
func SanitiseName(name string) string {
	return sanitiseRE.ReplaceAllString(name, "_")
}

// StorageKey derives the deterministic object-store key for an artifact
// identity.
func StorageKey(repoName, name, version string) string {
	return fmt.Sprintf("repositories/%s/%s/%s/artifact", repoName, SanitiseName(name), version)
}

type Info struct {
	Artifact *domain.Artifact
	Created  bool
}

type Service struct {
	artifacts domain.ArtifactRepository
	entries   domain.CacheEntryRepository
	downloads domain.DownloadEventRepository
	store     objectstore.Store
	pool      *worker.Pool
	log       *slog.Logger
}

func New(
	artifacts domain.ArtifactRepository,
	entries domain.CacheEntryRepository,
	downloads domain.DownloadEventRepository,
	store objectstore.Store,
	pool *worker.Pool,
	log *slog.Logger,
) *Service {
	return &Service{
		artifacts: artifacts,
		entries:   entries,
		downloads: downloads,
		store:     store,
		pool:      pool,
		log:       log,
	}
}

// StoreInput carries everything needed to persist one artifact.
type StoreInput struct {
	RepositoryID uuid.UUID
	RepoName     string
	Name         string
	Version      string
	Reader       io.Reader
	ContentType  string
	Metadata     map[string]string
	TTL          *time.Duration
	DefaultTTL   time.Duration
}

// Store consumes reader to EOF, streaming it to the object store under a
// deterministic key while computing a running SHA-256 and byte count. On
// successful EOF it upserts the Artifact row and its CacheEntry. If the
// reader errors or the put fails, no metadata row is written.
func (s *Service) Store(ctx context.Context, in StoreInput) (*domain.Artifact, error) {
	key := StorageKey(in.RepoName, in.Name, in.Version)

	hasher := sha256.New()
	tee := io.TeeReader(in.Reader, hasher)

	size, err := s.store.Put(ctx, key, tee, in.ContentType)
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))

	a := &domain.Artifact{
		RepositoryID: in.RepositoryID,
		Name:         in.Name,
		Version:      in.Version,
		StorageKey:   key,
		SizeBytes:    size,
		Digest:       digest,
		ContentType:  in.ContentType,
		Metadata:     in.Metadata,
		TTLOverride:  in.TTL,
	}
	if err := s.artifacts.Upsert(ctx, a); err != nil {
		s.store.Delete(ctx, key)
		return nil, fmt.Errorf("upsert artifact metadata: %w", err)
	}

	ttl := in.DefaultTTL
	if in.TTL != nil {
		ttl = *in.TTL
	}
	entry := &domain.CacheEntry{
		Key:          domain.CacheEntryKey(in.RepositoryID, in.Name, in.Version),
		RepositoryID: in.RepositoryID,
		StorageKey:   key,
		ExpiresAt:    time.Now().Add(ttl),
	}
	if err := s.entries.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("upsert cache entry: %w", err)
	}

	s.log.Info("artifact stored", "repository_id", in.RepositoryID, "name", in.Name, "version", in.Version, "size", size)
	return a, nil
}

// Get opens the artifact's bytes from the object store and bumps its
// last-accessed timestamp in the background, never blocking the caller on
// the write.
func (s *Service) Get(ctx context.Context, repositoryID uuid.UUID, name, version string) (io.ReadCloser, *domain.Artifact, error) {
	a, err := s.artifacts.Get(ctx, repositoryID, name, version)
	if err != nil {
		return nil, nil, err
	}

	rc, _, err := s.store.Get(ctx, a.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open object: %w", err)
	}

	now := time.Now()
	s.pool.Submit(func(ctx context.Context) {
		if err := s.artifacts.TouchLastAccessed(ctx, repositoryID, name, version, now); err != nil {
			s.log.Warn("failed to bump last-accessed", "name", name, "version", version, "err", err)
		}
	})

	return rc, a, nil
}

func (s *Service) Exists(ctx context.Context, repositoryID uuid.UUID, name, version string) (bool, error) {
	return s.artifacts.Exists(ctx, repositoryID, name, version)
}

func (s *Service) Delete(ctx context.Context, repositoryID uuid.UUID, name, version string) error {
	a, err := s.artifacts.Get(ctx, repositoryID, name, version)
	if err != nil {
		return err
	}
	if err := s.artifacts.Delete(ctx, repositoryID, name, version); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, a.StorageKey); err != nil {
		s.log.Warn("failed to delete artifact object", "key", a.StorageKey, "err", err)
	}
	return nil
}

// RecordDownload is always submitted to the worker pool by the caller — it
// is never invoked synchronously on the request path.
func (s *Service) RecordDownload(ctx context.Context, e *domain.DownloadEvent) {
	if err := s.downloads.Record(ctx, e); err != nil {
		s.log.Warn("failed to record download event", "name", e.Name, "version", e.Version, "err", err)
	}
}
