// Package pypi implements the PyPI (PEP 503) wire surface: simple index
// passthrough with href rewriting, and pull-through for package
// distributions.
package pypi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/html"

	"github.com/pullcache/registry-proxy/internal/adapter"
	"github.com/pullcache/registry-proxy/internal/adapter/headers"
	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
	"github.com/pullcache/registry-proxy/internal/upstream"
)

var normaliseRunRE = regexp.MustCompile(`[._-]+`)

// NormaliseName implements PEP 503 name normalisation: lowercase, collapse
// runs of '.', '_', '-' into a single '-'.
func NormaliseName(name string) string {
	return normaliseRunRE.ReplaceAllString(strings.ToLower(name), "-")
}

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
	r.Get("/simple/", h.serveIndex)
	r.Get("/simple/{pkg}/", h.servePackagePage)
	r.Get("/packages/{p1}/{p2}/{p3}/{filename}", h.serveArtifact)
}

func (h *Handler) candidates(ctx context.Context) ([]*domain.Repository, error) {
	return adapter.Candidates(ctx, h.repos, h.resolver, h.target)
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.candidates(r.Context())
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}
	build := func(ctx context.Context, member *domain.Repository) (*http.Request, error) {
		return adapter.NewUpstreamRequest(ctx, member, "/simple/")
	}
	if err := adapter.Passthrough(r.Context(), w, h.client, candidates, build, headers.MutableCacheControl, h.log); err != nil {
		headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
	}
}

// servePackagePage proxies the per-package simple index and rewrites every
// href that points at the real file host or a relative "../../packages/"
// path to this service's own /pypi/packages/ prefix.
func (h *Handler) servePackagePage(w http.ResponseWriter, r *http.Request) {
	pkg := NormaliseName(chi.URLParam(r, "pkg"))

	candidates, err := h.candidates(r.Context())
	if err != nil {
		headers.WriteJSONError(w, http.StatusInternalServerError, "resolve candidates: "+err.Error())
		return
	}

	for _, c := range candidates {
		if c.Kind != domain.KindProxy || c.UpstreamBaseURL == "" {
			continue
		}

		req, err := adapter.NewUpstreamRequest(r.Context(), c, "/simple/"+pkg+"/")
		if err != nil {
			headers.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp, err := h.client.Do(req)
		if err != nil {
			headers.WriteJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			headers.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("upstream %s returned %d", c.Name, resp.StatusCode))
			return
		}

		rewritten, err := rewritePackagePage(resp.Body)
		resp.Body.Close()
		if err != nil {
			headers.WriteJSONError(w, http.StatusInternalServerError, "rewrite index: "+err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", headers.MutableCacheControl)
		w.Header().Set("X-Repository", c.Name)
		w.WriteHeader(http.StatusOK)
		w.Write(rewritten)
		return
	}

	headers.WriteNotFound(w)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request) {
	p1 := chi.URLParam(r, "p1")
	p2 := chi.URLParam(r, "p2")
	p3 := chi.URLParam(r, "p3")
	filename := chi.URLParam(r, "filename")

	name, version, err := extractNameVersion(filename)
	if err != nil {
		headers.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	upstreamPath := fmt.Sprintf("/packages/%s/%s/%s/%s", p1, p2, p3, filename)

	fetch := func(ctx context.Context, member *domain.Repository) (*cache.FetchResult, error) {
		req, err := adapter.NewUpstreamRequest(ctx, member, upstreamPath)
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
			return nil, &cache.Error{Kind: cache.ErrorKindUnauthorized, Op: "pypi artifact fetch", Err: fmt.Errorf("upstream returned 401")}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &cache.FetchResult{Reader: resp.Body, ContentType: "application/octet-stream", Header: resp.Header}, nil
	}

	outcome, err := h.engine.Serve(r.Context(), h.target, name, version, adapter.ClientIP(r), r.UserAgent(), fetch)
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

// extractNameVersion implements the per-filename rule: for .whl, the
// name is the first hyphen-delimited segment and the version is the one
// after it; for source/legacy archives, the version starts at the first
// digit following the first hyphen.
func extractNameVersion(filename string) (name, version string, err error) {
	if strings.HasSuffix(filename, ".whl") {
		base := strings.TrimSuffix(filename, ".whl")
		idx := strings.Index(base, "-")
		if idx < 0 {
			return "", "", fmt.Errorf("malformed wheel filename: %s", filename)
		}
		name = base[:idx]
		rest := base[idx+1:]
		if idx2 := strings.Index(rest, "-"); idx2 >= 0 {
			version = rest[:idx2]
		} else {
			version = rest
		}
		return NormaliseName(name), version, nil
	}

	var base string
	for _, suf := range []string{".tar.gz", ".tar.bz2", ".zip", ".egg"} {
		if strings.HasSuffix(filename, suf) {
			base = strings.TrimSuffix(filename, suf)
			break
		}
	}
	if base == "" {
		return "", "", fmt.Errorf("unsupported pypi artifact extension: %s", filename)
	}

	idx := strings.Index(base, "-")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed artifact filename: %s", filename)
	}
	name = base[:idx]
	rest := base[idx+1:]

	digitIdx := -1
	for i, c := range rest {
		if c >= '0' && c <= '9' {
			digitIdx = i
			break
		}
	}
	if digitIdx < 0 {
		version = rest
	} else {
		version = rest[digitIdx:]
	}
	return NormaliseName(name), version, nil
}

func rewritePackagePage(body io.Reader) ([]byte, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, err
	}
	rewriteLinks(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rewriteLinks(n *html.Node) {
	if n.Type == html.ElementNode && n.Data == "a" {
		for i, attr := range n.Attr {
			if attr.Key == "href" {
				n.Attr[i].Val = rewriteHref(attr.Val)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rewriteLinks(c)
	}
}

func rewriteHref(href string) string {
	const pythonHosted = "https://files.pythonhosted.org/packages/"
	const relative = "../../packages/"

	if strings.HasPrefix(href, pythonHosted) {
		return "/pypi/packages/" + strings.TrimPrefix(href, pythonHosted)
	}
	if strings.HasPrefix(href, relative) {
		return "/pypi/packages/" + strings.TrimPrefix(href, relative)
	}
	return href
}
