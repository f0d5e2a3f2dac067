// Package upstream wraps the outbound HTTP client used by every protocol
// adapter to reach real upstream registries (npmjs.org, pypi.org,
// registry-1.docker.io, proxy.golang.org, Maven Central, nuget.org).
package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Client struct {
	retry *retryablehttp.Client
	log   *slog.Logger
}

// New builds a shared client with sane timeouts. Retries are narrowed to
// network-level failures only — never on HTTP status — so the cache
// engine's 404-fallthrough/non-2xx-abort distinction stays exact: a
// status-based retry would blur a failing mirror's 5xx into a silent extra
// attempt that could mask the correct content.
func New(log *slog.Logger) *Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.HTTPClient.Timeout = 60 * time.Second
	c.CheckRetry = networkErrorsOnly

	return &Client{retry: c, log: log}
}

func networkErrorsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true, nil
	}
	return false, nil
}

// Do issues req, following the same narrowed retry policy as every other
// call through this client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return c.retry.Do(rreq)
}

// StandardClient exposes a *http.Client for adapters that need to pass the
// client into library code expecting the stdlib type (e.g. html parsing
// helpers built around http.Get).
func (c *Client) StandardClient() *http.Client {
	return c.retry.StandardClient()
}
