package artifact

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/objectstore"
)

type fakeArtifactRepo struct {
	mu    sync.Mutex
	byKey map[string]*domain.Artifact
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{byKey: make(map[string]*domain.Artifact)}
}

func (f *fakeArtifactRepo) key(repositoryID uuid.UUID, name, version string) string {
	return repositoryID.String() + "|" + name + "|" + version
}

func (f *fakeArtifactRepo) Upsert(_ context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.LastAccessedAt = time.Now()
	cp := *a
	f.byKey[f.key(a.RepositoryID, a.Name, a.Version)] = &cp
	return nil
}

func (f *fakeArtifactRepo) Get(_ context.Context, repositoryID uuid.UUID, name, version string) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byKey[f.key(repositoryID, name, version)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeArtifactRepo) GetByStorageKey(_ context.Context, repositoryID uuid.UUID, storageKey string) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byKey {
		if a.RepositoryID == repositoryID && a.StorageKey == storageKey {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeArtifactRepo) Exists(ctx context.Context, repositoryID uuid.UUID, name, version string) (bool, error) {
	_, err := f.Get(ctx, repositoryID, name, version)
	if err == domain.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeArtifactRepo) TouchLastAccessed(_ context.Context, repositoryID uuid.UUID, name, version string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byKey[f.key(repositoryID, name, version)]
	if !ok {
		return nil
	}
	a.LastAccessedAt = at
	return nil
}

func (f *fakeArtifactRepo) Delete(_ context.Context, repositoryID uuid.UUID, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(repositoryID, name, version)
	if _, ok := f.byKey[k]; !ok {
		return domain.ErrNotFound
	}
	delete(f.byKey, k)
	return nil
}

func (f *fakeArtifactRepo) DeleteByStorageKey(_ context.Context, repositoryID uuid.UUID, storageKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, a := range f.byKey {
		if a.RepositoryID == repositoryID && a.StorageKey == storageKey {
			delete(f.byKey, k)
			return nil
		}
	}
	return domain.ErrNotFound
}

type fakeCacheEntryRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
}

func newFakeCacheEntryRepo() *fakeCacheEntryRepo {
	return &fakeCacheEntryRepo{entries: make(map[string]*domain.CacheEntry)}
}

func (f *fakeCacheEntryRepo) Upsert(_ context.Context, e *domain.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.Key] = &cp
	return nil
}

func (f *fakeCacheEntryRepo) ExpiredBatch(_ context.Context, now time.Time, limit int) ([]*domain.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CacheEntry
	for _, e := range f.entries {
		if e.ExpiresAt.Before(now) {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCacheEntryRepo) DeleteByKeys(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

type fakeDownloadEventRepo struct {
	mu     sync.Mutex
	events []*domain.DownloadEvent
}

func newFakeDownloadEventRepo() *fakeDownloadEventRepo {
	return &fakeDownloadEventRepo{}
}

func (f *fakeDownloadEventRepo) Record(_ context.Context, e *domain.DownloadEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeObjectStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{blobs: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.blobs[key] = data
	f.mu.Unlock()
	return int64(len(data)), nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	f.mu.Lock()
	data, ok := f.blobs[key]
	f.mu.Unlock()
	if !ok {
		return nil, objectstore.ObjectInfo{}, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, SizeBytes: int64(len(data))}, nil
}

func (f *fakeObjectStore) Head(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	data, ok := f.blobs[key]
	f.mu.Unlock()
	if !ok {
		return objectstore.ObjectInfo{}, domain.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, SizeBytes: int64(len(data))}, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

func (f *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	_, ok := f.blobs[key]
	f.mu.Unlock()
	return ok, nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.blobs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
