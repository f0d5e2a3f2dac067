// Package nuget implements the NuGet V3 wire surface: a synthetic service
// index, flat-container version listing passthrough, and package
// pull-through. Unlike the historical NuGet client this proxy stands in
// for, artifact bytes are teed through the cache engine rather than
// buffered in memory.
package nuget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pullcache/registry-proxy/internal/adapter"
	"github.com/pullcache/registry-proxy/internal/adapter/headers"
	"github.com/pullcache/registry-proxy/internal/api/response"
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
	r.Get("/v3/index.json", h.serveIndex)
	r.Get("/v3-flatcontainer/{id}/index.json", h.serveVersionList)
	r.Get("/v3-flatcontainer/{id}/{version}/{filename}", h.serveArtifact)
	r.Head("/v3-flatcontainer/{id}/{version}/{filename}", h.serveArtifact)
}

type serviceResource struct {
	ID   string `json:"@id"`
	Type string `json:"@type"`
}

type serviceIndex struct {
	Version   string            `json:"version"`
	Resources []serviceResource `json:"resources"`
}

// serveIndex synthesizes a minimal V3 service index pointing NuGet clients
// back at this proxy's own flat-container and registration endpoints,
// rather than forwarding any single upstream's index verbatim — a group
// target has no single upstream index to return.
func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	base := selfBaseURL(r)
	idx := serviceIndex{
		Version: "3.0.0",
		Resources: []serviceResource{
			{ID: base + "/v3-flatcontainer/", Type: "PackageBaseAddress/3.0.0"},
			{ID: base + "/v3/registration/", Type: "RegistrationsBaseUrl/3.6.0"},
		},
	}
	w.Header().Set("Cache-Control", headers.MutableCacheControl)
	response.JSON(w, http.StatusOK, idx)
}

func selfBaseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + "/nuget"
}

func (h *Handler) serveVersionList(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "id"))

	candidates, err := adapter.Candidates(r.Context(), h.repos, h.resolver, h.target)
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/v3-flatcontainer/%s/index.json", id))
	}

	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, headers.MutableCacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	version := strings.ToLower(chi.URLParam(r, "version"))
	filename := chi.URLParam(r, "filename")

	if strings.HasSuffix(filename, ".nuspec") {
		h.servePassthroughFile(w, r, id, version, filename)
		return
	}
	if !strings.HasSuffix(filename, ".nupkg") {
		headers.WriteJSONError(w, http.StatusNotFound, "unrecognised nuget artifact extension")
		return
	}

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		req, err := adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/v3-flatcontainer/%s/%s/%s", id, version, filename))
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
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "nuget package fetch", Err: fmt.Errorf("upstream returned 401")}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: "application/octet-stream", Header: resp.Header}, nil
	}

	outcome, err := h.engine.Serve(r.Context(), h.target, id, version, adapter.ClientIP(r), r.UserAgent(), fetch)
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
	if r.Method == http.MethodHead {
		return
	}
	adapter.CopyBody(w, outcome.Reader, h.log)
}

// servePassthroughFile handles the .nuspec sidecar, a mutable document that
// is never stored in the artifact cache.
func (h *Handler) servePassthroughFile(w http.ResponseWriter, r *http.Request, id, version, filename string) {
	candidates, err := adapter.Candidates(r.Context(), h.repos, h.resolver, h.target)
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/v3-flatcontainer/%s/%s/%s", id, version, filename))
	}

	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, headers.MutableCacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}
