// Package adapter holds the logic shared by all six protocol adapters:
// resolving a logical cache.Target to its ordered candidate repositories,
// and forwarding mutable, uncached upstream responses (package indexes,
// metadata documents) straight through to the client.
package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pullcache/registry-proxy/internal/cache"
	"github.com/pullcache/registry-proxy/internal/domain"
	"github.com/pullcache/registry-proxy/internal/groupresolver"
)

// Candidates resolves a cache.Target to its ordered member repositories,
// mirroring cache.Engine's own candidate enumeration — adapters need this
// independently for mutable passthrough paths (registry indexes, package
// metadata) that never go through the artifact cache.
func Candidates(ctx context.Context, repos domain.RepositoryRepository, resolver *groupresolver.Resolver, target cache.Target) ([]*domain.Repository, error) {
	if target.RepositoryID != nil {
		repo, err := repos.GetByID(ctx, *target.RepositoryID)
		if err != nil {
			return nil, err
		}
		return []*domain.Repository{repo}, nil
	}

	members, err := resolver.LookupOrder(ctx, target.GroupName)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Repository, 0, len(members))
	for _, m := range members {
		out = append(out, m.Repository)
	}
	return out, nil
}

// NewUpstreamRequest builds a GET request at member's upstream base URL
// joined with upstreamPath, adding Basic auth when the member carries
// upstream credentials.
func NewUpstreamRequest(ctx context.Context, member *domain.Repository, upstreamPath string) (*http.Request, error) {
	base := member.UpstreamBaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(upstreamPath) == 0 || upstreamPath[0] != '/' {
		upstreamPath = "/" + upstreamPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+upstreamPath, nil)
	if err != nil {
		return nil, err
	}
	if member.HasCredentials() {
		req.SetBasicAuth(member.UpstreamUsername, member.UpstreamPassword)
	}
	return req, nil
}

// RequestBuilder constructs the upstream request for one candidate
// repository given the adapter-relative path.
type RequestBuilder func(ctx context.Context, member *domain.Repository) (*http.Request, error)

// Passthrough tries each proxy candidate in priority order and streams the
// first 200 response body straight to w, setting cacheControl. A 404 or 410
// moves on to the next candidate; any other status returns an error. It never
// touches the artifact cache — used for mutable documents (registry
// indexes, package metadata) that are proxied, not stored.
func Passthrough(
	ctx context.Context,
	w http.ResponseWriter,
	client interface {
		Do(*http.Request) (*http.Response, error)
	},
	candidates []*domain.Repository,
	build RequestBuilder,
	cacheControl string,
	log *slog.Logger,
) error {
	for _, c := range candidates {
		if c.Kind != domain.KindProxy || c.UpstreamBaseURL == "" {
			continue
		}

		req, err := build(ctx, c)
		if err != nil {
			return fmt.Errorf("build upstream request for %s: %w", c.Name, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch from %s: %w", c.Name, err)
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return domain.ErrInvalidInput
			}
			return fmt.Errorf("upstream %s returned %d", c.Name, resp.StatusCode)
		}

		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", cacheControl)
		w.Header().Set("X-Repository", c.Name)
		w.WriteHeader(http.StatusOK)
		_, err = io.Copy(w, resp.Body)
		if err != nil {
			log.Warn("passthrough copy interrupted", "repository", c.Name, "err", err)
		}
		return nil
	}

	http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	return nil
}

// CopyBody streams body to w, logging (not failing) on a write error — the
// client disconnected, which is not an adapter-level failure.
func CopyBody(w http.ResponseWriter, body io.Reader, log *slog.Logger) {
	if _, err := io.Copy(w, body); err != nil {
		log.Warn("response copy interrupted", "err", err)
	}
}

// ClientIP extracts the caller's address for download-event attribution,
// preferring a forwarded-for header over the raw connection address the
// same way RateLimit does.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
