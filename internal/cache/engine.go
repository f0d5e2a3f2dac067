// Package cache implements the cache engine: the Serve algorithm that
// composes the group resolver, the artifact service, and an adapter-supplied
// upstream fetch hook into a single cache-lookup-then-upstream-fetch
// operation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pullcache/registry-proxy/internal/artifact"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/worker"
)

type Engine struct {
	repos     domain.RepositoryRepository
	resolver  *groupresolver.Resolver
	artifacts *artifact.Service
	pool      *worker.Pool
	log       *slog.Logger
}

func New(
	repos domain.RepositoryRepository,
	resolver *groupresolver.Resolver,
	artifacts *artifact.Service,
	pool *worker.Pool,
	log *slog.Logger,
) *Engine {
	return &Engine{repos: repos, resolver: resolver, artifacts: artifacts, pool: pool, log: log}
}

func (e *Engine) candidates(ctx context.Context, target Target) ([]*domain.Repository, error) {
	if target.RepositoryID != nil {
		repo, err := e.repos.GetByID(ctx, *target.RepositoryID)
		if err != nil {
			return nil, err
		}
		return []*domain.Repository{repo}, nil
	}

	members, err := e.resolver.LookupOrder(ctx, target.GroupName)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Repository, 0, len(members))
	for _, m := range members {
		out = append(out, m.Repository)
	}
	return out, nil
}

// upstreamCandidates resolves the ordered proxy candidates for the
// upstream-fetch pass. A single-repository target reuses lookupCandidates
// (it already is the one candidate); a group target asks the resolver's
// pre-filtered upstream order directly, instead of re-filtering the full
// member list here.
func (e *Engine) upstreamCandidates(ctx context.Context, target Target, lookupCandidates []*domain.Repository) ([]*domain.Repository, error) {
	if target.RepositoryID != nil {
		return lookupCandidates, nil
	}

	members, err := e.resolver.UpstreamOrder(ctx, target.GroupName)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Repository, 0, len(members))
	for _, m := range members {
		out = append(out, m.Repository)
	}
	return out, nil
}

// Serve is the heart of the system: it composes a cache-lookup pass and an
// upstream-fetch pass, both strictly sequential over the candidate
// repositories in priority order. clientIP and userAgent are recorded on the
// resulting download event; pass empty strings when the caller has none.
func (e *Engine) Serve(ctx context.Context, target Target, name, version, clientIP, userAgent string, fetch FetchHook) (*Outcome, error) {
	candidates, err := e.candidates(ctx, target)
	if err != nil {
		return nil, newError(ErrorKindInternal, "resolve candidates", err)
	}
	if len(candidates) == 0 {
		return nil, newError(ErrorKindInternal, "resolve candidates", fmt.Errorf("no candidates for target"))
	}

	if outcome := e.lookupPass(ctx, candidates, name, version); outcome != nil {
		e.recordDownload(outcome.RepositoryID, name, version, clientIP, userAgent)
		return outcome, nil
	}

	upCandidates, err := e.upstreamCandidates(ctx, target, candidates)
	if err != nil {
		return nil, newError(ErrorKindInternal, "resolve upstream candidates", err)
	}

	// The fetch is detached from ctx's cancellation: its body also feeds the
	// background store, which outlives a caller that disconnects.
	outcome, err := e.upstreamPass(context.WithoutCancel(ctx), upCandidates, name, version, fetch)
	if err == nil && outcome.Kind == Miss {
		e.recordDownload(outcome.RepositoryID, name, version, clientIP, userAgent)
	}
	return outcome, err
}

// recordDownload submits a fire-and-forget download event to the worker
// pool; writes are unordered with respect to the response and may be dropped
// under pressure, same as the last-accessed bump in artifact.Service.Get.
func (e *Engine) recordDownload(repositoryID uuid.UUID, name, version, clientIP, userAgent string) {
	e.pool.Submit(func(ctx context.Context) {
		e.artifacts.RecordDownload(ctx, &domain.DownloadEvent{
			RepositoryID: repositoryID,
			Name:         name,
			Version:      version,
			ClientIP:     clientIP,
			UserAgent:    userAgent,
			OccurredAt:   time.Now(),
		})
	})
}

// lookupPass visits candidates strictly in priority order; the first cache
// hit wins. Lookup errors other than not-found are logged and treated as a
// miss for that candidate — a metadata-store hiccup fails open to upstream
// rather than failing the request.
func (e *Engine) lookupPass(ctx context.Context, candidates []*domain.Repository, name, version string) *Outcome {
	for _, c := range candidates {
		rc, a, err := e.artifacts.Get(ctx, c.ID, name, version)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				e.log.Warn("cache lookup failed, falling through to upstream", "repository", c.Name, "err", err)
			}
			continue
		}
		return &Outcome{Kind: Hit, RepositoryName: c.Name, RepositoryID: c.ID, Reader: rc, Artifact: a}
	}
	return nil
}

// upstreamPass visits only proxy candidates with a configured upstream, in
// the same priority order. A NotFound from the hook means try the next
// candidate; any other error aborts the whole pass.
func (e *Engine) upstreamPass(ctx context.Context, candidates []*domain.Repository, name, version string, fetch FetchHook) (*Outcome, error) {
	for _, c := range candidates {
		if c.Kind != domain.KindProxy || c.UpstreamBaseURL == "" {
			continue
		}

		result, err := fetch(ctx, c)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			var cerr *Error
			if errors.As(err, &cerr) {
				return nil, cerr
			}
			return nil, newError(ErrorKindUpstreamUnavailable, "fetch upstream", err)
		}

		return e.teeAndStore(c, name, version, result), nil
	}

	return &Outcome{Kind: NotFound}, nil
}

// teeAndStore duplicates the winning upstream reader into the caller's
// response and the artifact service's store, running the store side on the
// worker pool so a disconnected caller never aborts cache population.
func (e *Engine) teeAndStore(repo *domain.Repository, name, version string, result *FetchResult) *Outcome {
	fo := newFanout(result.Reader)

	done := e.pool.SubmitAwaitable(func(ctx context.Context) {
		_, err := e.artifacts.Store(ctx, artifact.StoreInput{
			RepositoryID: repo.ID,
			RepoName:     repo.Name,
			Name:         name,
			Version:      version,
			Reader:       fo.storeR,
			ContentType:  result.ContentType,
			Metadata:     result.Metadata,
			DefaultTTL:   repo.DefaultTTL,
		})
		fo.storeR.Close()
		if err != nil {
			e.log.Warn("store during miss failed, caller stream unaffected", "repository", repo.Name, "name", name, "version", version, "err", err)
		}
	})

	return &Outcome{
		Kind:           Miss,
		RepositoryName: repo.Name,
		RepositoryID:   repo.ID,
		Reader:         fo.callerR,
		Header:         result.Header,
		Done:           done,
	}
}
