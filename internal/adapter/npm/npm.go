// Package npm implements the npm registry wire surface: package metadata
// passthrough and tarball pull-through.
package npm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pullcache/registry-proxy/internal/adapter"
	"github.com/pullcache/registry-proxy/internal/adapter/headers"
	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/upstream"
)

type Handler struct {
	engine   *cache.Engine
	repos    domain.RepositoryRepository
	resolver *groupresolver.Resolver
	client   *upstream.Client
	target   cache.Target
	log      *slog.Logger
}

func New(engine *cache.Engine, repos domain.RepositoryRepository, resolver *groupresolver.Resolver, client *upstream.Client, target cache.Target, log *slog.Logger) *Handler {
	return &Handler{engine: engine, repos: repos, resolver: resolver, client: client, target: target, log: log}
}

func (h *Handler) Mount(r chi.Router) {
	r.Get("/*", h.serve)
}

// parseName splits a path segment into the full npm package name (with
// scope, if any) and the "clean" unscoped name used in tarball filenames.
// A percent-encoded scope separator ("@scope%2Fpkg") is decoded first.
func parseName(seg string) (full, clean string) {
	if decoded, err := url.PathUnescape(seg); err == nil {
		seg = decoded
	}
	if strings.HasPrefix(seg, "@") {
		parts := strings.SplitN(seg, "/", 2)
		if len(parts) == 2 {
			return seg, parts[1]
		}
		return seg, seg
	}
	return seg, seg
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		headers.WriteJSONError(w, http.StatusNotFound, "missing package name")
		return
	}

	if idx := strings.Index(path, "/-/"); idx >= 0 {
		pkgSeg := path[:idx]
		filename := path[idx+len("/-/"):]
		h.serveTarball(w, r, pkgSeg, filename)
		return
	}

	h.serveMetadata(w, r, path)
}

func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request, pkgName string) {
	candidates, err := adapter.Candidates(r.Context(), h.repos, h.resolver, h.target)
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, "/"+pkgName)
	}

	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, headers.MutableCacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) serveTarball(w http.ResponseWriter, r *http.Request, pkgSeg, filename string) {
	_, clean := parseName(pkgSeg)
	version := strings.TrimSuffix(strings.TrimPrefix(filename, clean+"-"), ".tgz")
	if version == filename {
		headers.WriteJSONError(w, http.StatusBadRequest, "could not extract version from filename")
		return
	}

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		req, err := adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/%s/-/%s", pkgSeg, filename))
		if err != nil {
			return nil, err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, domain.ErrNotFound
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "npm tarball fetch", Err: fmt.Errorf("upstream returned 401")}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &cache.FetchResult{
			Reader:      resp.Body,
			ContentType: "application/octet-stream",
			Header:      resp.Header,
		}, nil
	}

	outcome, err := h.engine.Serve(r.Context(), h.target, pkgSeg, version, adapter.ClientIP(r), r.UserAgent(), fetch)
	if err != nil {
		var cerr *cache.Error
		if errors.As(err, &cerr) {
			headers.WriteError(w, cerr)
			return
		}
		headers.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if outcome.Kind == cache.NotFound {
		headers.WriteNotFound(w)
		return
	}
	defer outcome.Reader.Close()

	headers.WriteCacheStatus(w, outcome)
	w.Header().Set("Cache-Control", headers.ImmutableCacheControl)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	adapter.CopyBody(w, outcome.Reader, h.log)
}
