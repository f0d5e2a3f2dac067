// Package maven implements the Maven repository layout wire surface:
// artifact pull-through plus maven-metadata.xml passthrough.
package maven

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
	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/upstream"
)

const metadataFilename = "maven-metadata.xml"

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
	r.Head("/*", h.serve)
}

// coordinate is a parsed Maven path: the last segment is always the
// filename; if it's maven-metadata.xml the remaining segments are group-id
// (dotted) plus artifact-id with no version. Otherwise the last three
// segments are (artifact-id, version, filename).
type coordinate struct {
	groupID    string
	artifactID string
	version    string // empty for metadata documents
	filename   string
}

func parsePath(path string) (coordinate, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 3 {
		return coordinate{}, fmt.Errorf("malformed maven path: %s", path)
	}

	filename := segs[len(segs)-1]
	if filename == metadataFilename {
		artifactID := segs[len(segs)-2]
		groupSegs := segs[:len(segs)-2]
		if len(groupSegs) == 0 {
			return coordinate{}, fmt.Errorf("malformed maven metadata path: %s", path)
		}
		return coordinate{groupID: strings.Join(groupSegs, "."), artifactID: artifactID, filename: filename}, nil
	}

	if len(segs) < 4 {
		return coordinate{}, fmt.Errorf("malformed maven artifact path: %s", path)
	}
	version := segs[len(segs)-2]
	artifactID := segs[len(segs)-3]
	groupSegs := segs[:len(segs)-3]
	return coordinate{
		groupID:    strings.Join(groupSegs, "."),
		artifactID: artifactID,
		version:    version,
		filename:   filename,
	}, nil
}

// contentType maps a Maven filename extension to its content type.
func contentType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".jar"), strings.HasSuffix(filename, ".war"), strings.HasSuffix(filename, ".ear"):
		return "application/java-archive"
	case strings.HasSuffix(filename, ".pom"), strings.HasSuffix(filename, ".xml"):
		return "application/xml"
	case strings.HasSuffix(filename, ".sha1"), strings.HasSuffix(filename, ".md5"), strings.HasSuffix(filename, ".asc"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	coord, err := parsePath(path)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if coord.version == "" {
		h.serveMetadata(w, r, path)
		return
	}
	h.serveArtifact(w, r, path, coord)
}

func (h *Handler) serveMetadata(w http.ResponseWriter, r *http.Request, path string) {
	candidates, err := adapter.Candidates(r.Context(), h.repos, h.resolver, h.target)
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, "/"+path)
	}

	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, headers.MutableCacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, path string, coord coordinate) {
	name := coord.groupID + ":" + coord.artifactID + ":" + coord.filename
	ct := contentType(coord.filename)

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		req, err := adapter.NewUpstreamRequest(ctx, member, "/"+path)
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
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "maven artifact fetch", Err: fmt.Errorf("upstream returned 401")}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: ct, Header: resp.Header}, nil
	}

	outcome, err := h.engine.Serve(r.Context(), h.target, name, coord.version, adapter.ClientIP(r), r.UserAgent(), fetch)
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
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	adapter.CopyBody(w, outcome.Reader, h.log)
}
