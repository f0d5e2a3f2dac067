package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pullcache/registry-proxy/internal/artifact"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/objectstore"
	"github.com/pullcache/registry-proxy/internal/worker"
)

// --- minimal fakes, scoped to this package's tests ---

type fakeRepoRepo struct {
	byID   map[uuid.UUID]*domain.Repository
	byName map[string]*domain.Repository
}

func newFakeRepoRepo() *fakeRepoRepo {
	return &fakeRepoRepo{byID: map[uuid.UUID]*domain.Repository{}, byName: map[string]*domain.Repository{}}
}

func (f *fakeRepoRepo) add(r *domain.Repository) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.byID[r.ID] = r
	f.byName[r.Name] = r
}

func (f *fakeRepoRepo) Create(_ context.Context, r *domain.Repository) error { f.add(r); return nil }
func (f *fakeRepoRepo) Upsert(_ context.Context, r *domain.Repository) error { f.add(r); return nil }
func (f *fakeRepoRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Repository, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}
func (f *fakeRepoRepo) GetByName(_ context.Context, name string) (*domain.Repository, error) {
	r, ok := f.byName[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}
func (f *fakeRepoRepo) List(_ context.Context) ([]*domain.Repository, error) {
	var out []*domain.Repository
	for _, r := range f.byID {
		out = append(out, r)
	}
	return out, nil
}

type fakeGroupRepo struct {
	members map[string][]*domain.GroupMember
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{members: map[string][]*domain.GroupMember{}}
}

func (f *fakeGroupRepo) Create(_ context.Context, g *domain.Group) error { return nil }
func (f *fakeGroupRepo) GetByName(_ context.Context, name string) (*domain.Group, error) {
	return &domain.Group{Name: name}, nil
}
func (f *fakeGroupRepo) AddMember(_ context.Context, groupID, repositoryID uuid.UUID, priority int) error {
	return nil
}
func (f *fakeGroupRepo) MembersOf(_ context.Context, groupName string, proxyOnly bool) ([]*domain.GroupMember, error) {
	var out []*domain.GroupMember
	for _, m := range f.members[groupName] {
		if proxyOnly && (m.Repository.Kind != domain.KindProxy || m.Repository.UpstreamBaseURL == "") {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeGroupRepo) setOrder(groupName string, repos ...*domain.Repository) {
	members := make([]*domain.GroupMember, len(repos))
	for i, r := range repos {
		members[i] = &domain.GroupMember{RepositoryID: r.ID, Priority: i, Repository: r}
	}
	f.members[groupName] = members
}

type fakeArtifactRepo struct {
	mu    sync.Mutex
	byKey map[string]*domain.Artifact
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{byKey: map[string]*domain.Artifact{}}
}
func key(repoID uuid.UUID, name, version string) string {
	return repoID.String() + "|" + name + "|" + version
}
func (f *fakeArtifactRepo) Upsert(_ context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	f.byKey[key(a.RepositoryID, a.Name, a.Version)] = &cp
	return nil
}
func (f *fakeArtifactRepo) Get(_ context.Context, repositoryID uuid.UUID, name, version string) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byKey[key(repositoryID, name, version)]
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
	return err == nil, nil
}
func (f *fakeArtifactRepo) TouchLastAccessed(context.Context, uuid.UUID, string, string, time.Time) error {
	return nil
}
func (f *fakeArtifactRepo) Delete(_ context.Context, repositoryID uuid.UUID, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byKey, key(repositoryID, name, version))
	return nil
}
func (f *fakeArtifactRepo) DeleteByStorageKey(_ context.Context, repositoryID uuid.UUID, storageKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, a := range f.byKey {
		if a.RepositoryID == repositoryID && a.StorageKey == storageKey {
			delete(f.byKey, k)
		}
	}
	return nil
}

type fakeCacheEntryRepo struct{ mu sync.Mutex }

func (f *fakeCacheEntryRepo) Upsert(context.Context, *domain.CacheEntry) error { return nil }
func (f *fakeCacheEntryRepo) ExpiredBatch(context.Context, time.Time, int) ([]*domain.CacheEntry, error) {
	return nil, nil
}
func (f *fakeCacheEntryRepo) DeleteByKeys(context.Context, []string) error { return nil }

type fakeDownloadRepo struct{}

func (fakeDownloadRepo) Record(context.Context, *domain.DownloadEvent) error { return nil }

type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{blobs: map[string][]byte{}} }
func (s *fakeStore) Put(_ context.Context, k string, r io.Reader, _ string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.blobs[k] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}
func (s *fakeStore) Get(_ context.Context, k string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	data, ok := s.blobs[k]
	s.mu.Unlock()
	if !ok {
		return nil, objectstore.ObjectInfo{}, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: k, SizeBytes: int64(len(data))}, nil
}
func (s *fakeStore) Head(_ context.Context, k string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	data, ok := s.blobs[k]
	s.mu.Unlock()
	if !ok {
		return objectstore.ObjectInfo{}, domain.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: k, SizeBytes: int64(len(data))}, nil
}
func (s *fakeStore) Delete(_ context.Context, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, k)
	return nil
}
func (s *fakeStore) Exists(_ context.Context, k string) (bool, error) {
	s.mu.Lock()
	_, ok := s.blobs[k]
	s.mu.Unlock()
	return ok, nil
}
func (s *fakeStore) List(context.Context, string) ([]string, error) { return nil, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine() (*Engine, *fakeRepoRepo, *fakeGroupRepo, *fakeArtifactRepo, *fakeStore) {
	repos := newFakeRepoRepo()
	groups := newFakeGroupRepo()
	artifacts := newFakeArtifactRepo()
	store := newFakeStore()
	log := testLogger()
	pool := worker.New(2, 16, log)
	svc := artifact.New(artifacts, &fakeCacheEntryRepo{}, fakeDownloadRepo{}, store, pool, log)
	resolver := groupresolver.New(groups)
	engine := New(repos, resolver, svc, pool, log)
	return engine, repos, groups, artifacts, store
}

func proxyRepo(name string) *domain.Repository {
	return &domain.Repository{ID: uuid.New(), Name: name, Kind: domain.KindProxy, UpstreamBaseURL: "https://" + name, DefaultTTL: time.Hour}
}

func TestServe_CacheHit(t *testing.T) {
	engine, repos, _, artifacts, store := newTestEngine()
	repo := proxyRepo("npm-proxy")
	repos.add(repo)

	store.blobs["repositories/npm-proxy/left-pad/1.3.0/artifact"] = []byte("cached bytes")
	artifacts.byKey[key(repo.ID, "left-pad", "1.3.0")] = &domain.Artifact{
		ID: uuid.New(), RepositoryID: repo.ID, Name: "left-pad", Version: "1.3.0",
		StorageKey: "repositories/npm-proxy/left-pad/1.3.0/artifact", Digest: "deadbeef",
	}

	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		t.Fatal("fetch hook must not be called on a cache hit")
		return nil, nil
	}

	outcome, err := engine.Serve(context.Background(), RepositoryTarget(repo.ID), "left-pad", "1.3.0", "203.0.113.5", "test-agent", fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != Hit {
		t.Fatalf("expected Hit, got %v", outcome.Kind)
	}
	defer outcome.Reader.Close()
	data, _ := io.ReadAll(outcome.Reader)
	if string(data) != "cached bytes" {
		t.Fatalf("got %q", data)
	}
}

func TestServe_MissFetchesAndStores(t *testing.T) {
	engine, repos, _, _, store := newTestEngine()
	repo := proxyRepo("npm-proxy")
	repos.add(repo)

	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		return &FetchResult{Reader: io.NopCloser(strings.NewReader("fresh bytes")), ContentType: "application/octet-stream"}, nil
	}

	outcome, err := engine.Serve(context.Background(), RepositoryTarget(repo.ID), "left-pad", "1.3.0", "203.0.113.5", "test-agent", fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != Miss {
		t.Fatalf("expected Miss, got %v", outcome.Kind)
	}

	data, _ := io.ReadAll(outcome.Reader)
	outcome.Reader.Close()
	if string(data) != "fresh bytes" {
		t.Fatalf("got %q", data)
	}

	<-outcome.Done
	if len(store.blobs) != 1 {
		t.Fatalf("expected background store to have written one blob, got %d", len(store.blobs))
	}
}

func TestServe_NotFoundWhenNoCandidateHasIt(t *testing.T) {
	engine, repos, _, _, _ := newTestEngine()
	repo := proxyRepo("npm-proxy")
	repos.add(repo)

	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		return nil, domain.ErrNotFound
	}

	outcome, err := engine.Serve(context.Background(), RepositoryTarget(repo.ID), "missing-pkg", "9.9.9", "203.0.113.5", "test-agent", fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != NotFound {
		t.Fatalf("expected NotFound, got %v", outcome.Kind)
	}
}

func TestServe_GroupFallsThroughToSecondCandidate(t *testing.T) {
	engine, repos, groups, _, _ := newTestEngine()
	private := proxyRepo("private")
	dockerhub := proxyRepo("dockerhub")
	repos.add(private)
	repos.add(dockerhub)
	groups.setOrder("docker", private, dockerhub)

	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		if member.Name == "private" {
			return nil, domain.ErrNotFound
		}
		return &FetchResult{Reader: io.NopCloser(strings.NewReader("manifest bytes")), ContentType: "application/json"}, nil
	}

	outcome, err := engine.Serve(context.Background(), GroupTarget("docker"), "library/alpine:manifest:3.19", "latest", "203.0.113.5", "test-agent", fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != Miss {
		t.Fatalf("expected Miss, got %v", outcome.Kind)
	}
	if outcome.RepositoryName != "dockerhub" {
		t.Fatalf("expected dockerhub to have served the request, got %s", outcome.RepositoryName)
	}
}

func TestServe_NonNotFoundFetchErrorAbortsPass(t *testing.T) {
	engine, repos, groups, _, _ := newTestEngine()
	first := proxyRepo("first")
	second := proxyRepo("second")
	repos.add(first)
	repos.add(second)
	groups.setOrder("grp", first, second)

	called := map[string]bool{}
	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		called[member.Name] = true
		if member.Name == "first" {
			return nil, fmt.Errorf("upstream returned 500")
		}
		return &FetchResult{Reader: io.NopCloser(strings.NewReader("x"))}, nil
	}

	_, err := engine.Serve(context.Background(), GroupTarget("grp"), "pkg", "1.0.0", "203.0.113.5", "test-agent", fetch)
	if err == nil {
		t.Fatal("expected an error when the first candidate fails with a non-NotFound error")
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a *cache.Error, got %T", err)
	}
	if called["second"] {
		t.Fatal("second candidate must not be tried once the pass has aborted")
	}
}

func TestServe_DisconnectDuringMissDoesNotAbortBackgroundStore(t *testing.T) {
	engine, repos, _, _, store := newTestEngine()
	repo := proxyRepo("maven-proxy")
	repos.add(repo)

	content := strings.Repeat("z", fanoutChunkSize*2)
	fetch := func(ctx context.Context, member *domain.Repository) (*FetchResult, error) {
		return &FetchResult{Reader: io.NopCloser(strings.NewReader(content))}, nil
	}

	outcome, err := engine.Serve(context.Background(), RepositoryTarget(repo.ID), "commons-lang3", "3.12.0", "203.0.113.5", "test-agent", fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate the client TCP-closing partway through.
	outcome.Reader.Close()

	select {
	case <-outcome.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background store to finish after caller disconnect")
	}

	if len(store.blobs) != 1 {
		t.Fatalf("expected the full artifact to be stored despite disconnect, got %d blobs", len(store.blobs))
	}
	for _, v := range store.blobs {
		if len(v) != len(content) {
			t.Fatalf("expected stored blob to have the full %d bytes, got %d", len(content), len(v))
		}
	}
}
