// Package gomod implements the Go module proxy protocol: the @v/list, .info,
// .mod, .zip and @latest endpoints, with only zip archives entering the
// artifact cache.
package gomod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/mod/module"

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

// serve dispatches the full family of module proxy paths under one route,
// since the module path itself may contain arbitrary slashes and can only
// be told apart from the trailing "@v/..." or "@latest" suffix.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")

	if strings.HasSuffix(path, "/@latest") {
		mod := strings.TrimSuffix(path, "/@latest")
		h.servePassthrough(w, r, mod, "/@latest", headers.MutableCacheControl)
		return
	}

	idx := strings.Index(path, "/@v/")
	if idx < 0 {
		headers.WriteJSONError(w, http.StatusNotFound, "unrecognised go module proxy path")
		return
	}
	mod := path[:idx]
	rest := path[idx+len("/@v/"):]

	switch {
	case rest == "list":
		h.servePassthrough(w, r, mod, "/@v/list", headers.MutableCacheControl)
	case strings.HasSuffix(rest, ".info"):
		h.servePassthrough(w, r, mod, "/@v/"+rest, headers.MutableCacheControl)
	case strings.HasSuffix(rest, ".mod"):
		h.servePassthrough(w, r, mod, "/@v/"+rest, headers.MutableCacheControl)
	case strings.HasSuffix(rest, ".zip"):
		version := strings.TrimSuffix(rest, ".zip")
		h.serveZip(w, r, mod, version)
	default:
		headers.WriteJSONError(w, http.StatusNotFound, "unrecognised go module proxy path")
	}
}

// upstreamModulePath applies the module proxy's escaping rule: every
// upper-case letter is replaced with '!' followed by its lower-case form,
// via the canonical golang.org/x/mod/module implementation rather than a
// hand-rolled one.
func upstreamModulePath(mod string) (string, error) {
	return module.EscapePath(mod)
}

func (h *Handler) servePassthrough(w http.ResponseWriter, r *http.Request, mod, suffix, cacheControl string) {
	candidates, err := adapter.Candidates(r.Context(), h.repos, h.resolver, h.target)
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	escaped, err := upstreamModulePath(mod)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "invalid module path: "+err.Error())
		return
	}

	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, "/"+escaped+suffix)
	}

	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, cacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) serveZip(w http.ResponseWriter, r *http.Request, mod, version string) {
	escaped, err := upstreamModulePath(mod)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "invalid module path: "+err.Error())
		return
	}
	escapedVersion, err := module.EscapeVersion(version)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "invalid module version: "+err.Error())
		return
	}

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		req, err := adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/%s/@v/%s.zip", escaped, escapedVersion))
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
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "go module zip fetch", Err: fmt.Errorf("upstream returned 401")}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: "application/zip", Header: resp.Header}, nil
	}

	outcome, err := h.engine.Serve(r.Context(), h.target, mod, version, adapter.ClientIP(r), r.UserAgent(), fetch)
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
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	adapter.CopyBody(w, outcome.Reader, h.log)
}
