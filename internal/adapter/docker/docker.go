// Package docker implements the Docker Registry v2 wire surface: manifest
// and blob pull-through with content-addressed digest verification,
// plus the Docker Hub library/ normalisation and bearer-token dance that
// official images require.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-containerregistry/pkg/name"
	godigest "github.com/opencontainers/go-digest"

	"github.com/pullcache/registry-proxy/internal/adapter"
	"github.com/pullcache/registry-proxy/internal/adapter/headers"
	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/upstream"
)

const dockerHubHost = "registry-1.docker.io"

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
	r.Get("/v2/", h.serveBase)
	r.Get("/v2/*", h.serveResource)
	r.Head("/v2/*", h.serveResource)
}

// serveBase answers the v2 API version check every Docker client issues
// before anything else.
func (h *Handler) serveBase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{}`))
}

// serveResource dispatches /v2/<name...>/manifests/<ref> and
// /v2/<name...>/blobs/<digest>. chi's wildcard gives us the raw remainder;
// we split on the last two segments rather than the first, since <name...>
// itself may contain slashes (e.g. "library/alpine" or a multi-level org
// path).
func (h *Handler) serveResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(chi.URLParam(r, "*"), "/")

	if idx := strings.LastIndex(rest, "/manifests/"); idx >= 0 {
		image := rest[:idx]
		ref := rest[idx+len("/manifests/"):]
		h.serveManifest(w, r, image, ref)
		return
	}
	if idx := strings.LastIndex(rest, "/blobs/"); idx >= 0 {
		image := rest[:idx]
		digest := rest[idx+len("/blobs/"):]
		h.serveBlob(w, r, image, digest)
		return
	}

	headers.WriteJSONError(w, http.StatusNotFound, "unrecognised docker v2 resource")
}

// normaliseImage applies Docker Hub's official-image convention: a bare,
// unqualified repository name ("alpine") is addressed upstream as
// "library/alpine".
func normaliseImage(member *domain.Repository, image string) string {
	if !strings.Contains(image, "/") && isDockerHub(member) {
		return "library/" + image
	}
	return image
}

func isDockerHub(member *domain.Repository) bool {
	return strings.Contains(member.UpstreamBaseURL, dockerHubHost) || strings.Contains(member.UpstreamBaseURL, "docker.io")
}

// validateReference rejects a malformed image/ref combination before any
// upstream request is built, using the same reference grammar `docker pull`
// itself enforces rather than a hand-rolled regexp.
func validateReference(image, ref string) error {
	full := image + ":" + ref
	if strings.Contains(ref, ":") {
		// A digest reference, e.g. "sha256:abcd...".
		full = image + "@" + ref
	}
	_, err := name.ParseReference(full, name.WeakValidation)
	return err
}

// authorize attaches a short-lived Docker Hub bearer token to req when
// member is a Docker Hub upstream; other registries use the member's own
// Basic auth, already applied by adapter.NewUpstreamRequest.
func (h *Handler) authorize(ctx context.Context, member *domain.Repository, image string, req *http.Request) error {
	if !isDockerHub(member) {
		return nil
	}
	token, err := h.client.DockerHubToken(ctx, image)
	if err != nil {
		return fmt.Errorf("docker hub token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

var manifestAccept = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v1+json",
}, ",")

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, image, ref string) {
	if err := validateReference(image, ref); err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "malformed image reference: "+err.Error())
		return
	}

	name := fmt.Sprintf("%s:manifest:%s", image, ref)

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		upstreamImage := normaliseImage(member, image)
		req, err := adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/v2/%s/manifests/%s", upstreamImage, ref))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", manifestAccept)
		if err := h.authorize(ctx, member, upstreamImage, req); err != nil {
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "docker hub token", Err: err}
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, domain.ErrNotFound
		case http.StatusUnauthorized:
			resp.Body.Close()
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "docker manifest fetch", Err: fmt.Errorf("upstream returned 401")}
		case http.StatusOK:
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		digest := resp.Header.Get("Docker-Content-Digest")
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/vnd.docker.distribution.manifest.v2+json"
		}

		meta := map[string]string{}
		if digest != "" {
			meta["digest"] = digest
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: contentType, Header: resp.Header, Metadata: meta}, nil
	}

	h.serve(w, r, name, fetch, headers.MutableCacheControl)
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, image, digest string) {
	dgst, err := godigest.Parse(digest)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "malformed digest: "+err.Error())
		return
	}
	if _, err := name.NewRepository(image, name.WeakValidation); err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, "malformed image name: "+err.Error())
		return
	}

	name := fmt.Sprintf("%s:blob:%s", image, dgst.String())

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		upstreamImage := normaliseImage(member, image)
		req, err := adapter.NewUpstreamRequest(ctx, member, fmt.Sprintf("/v2/%s/blobs/%s", upstreamImage, dgst.String()))
		if err != nil {
			return nil, err
		}
		if err := h.authorize(ctx, member, upstreamImage, req); err != nil {
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "docker hub token", Err: err}
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, domain.ErrNotFound
		case http.StatusUnauthorized:
			resp.Body.Close()
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "docker blob fetch", Err: fmt.Errorf("upstream returned 401")}
		case http.StatusOK:
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		verified := &verifyingReadCloser{rc: resp.Body, verifier: dgst.Verifier()}
		return &cache.FetchResult{Reader: verified, ContentType: contentType, Header: resp.Header}, nil
	}

	h.serve(w, r, name, fetch, headers.ImmutableCacheControl)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, name string, fetch cache.FetchHook, cacheControl string) {
	outcome, err := h.engine.Serve(r.Context(), h.target, name, "latest", adapter.ClientIP(r), r.UserAgent(), fetch)
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
	w.Header().Set("Cache-Control", cacheControl)
	if digest := digestFromName(outcome, name); digest != "" {
		w.Header().Set("Docker-Content-Digest", digest)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	adapter.CopyBody(w, outcome.Reader, h.log)
}

// digestFromName recovers the content digest to report in
// Docker-Content-Digest: for blobs it's embedded in the composite artifact
// name, for manifests it comes from the artifact's stored metadata.
func digestFromName(outcome *cache.Outcome, name string) string {
	if idx := strings.Index(name, ":blob:"); idx >= 0 {
		return name[idx+len(":blob:"):]
	}
	if outcome.Artifact != nil && outcome.Artifact.Metadata != nil {
		if d, ok := outcome.Artifact.Metadata["digest"]; ok {
			return d
		}
	}
	return ""
}
