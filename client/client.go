// Package client implements the upstream HTTP clients of the vetstream
// service: a split-stream client that partitions one chunked response into a
// validated control observation and a lazily decoded, pull-driven record
// stream, and a single-shot sibling for the pet-clinic details endpoint.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// userAgentValue identifies this client on every outbound request.
const userAgentValue = "vetstream-http-client"

// Option configures a client constructor.
type Option func(*newConfig)

type newConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithHTTPClient sets the http.Client used for outbound requests. For the
// streaming client, prefer a transport-level ResponseHeaderTimeout over
// http.Client.Timeout: the latter caps the whole exchange and would kill
// slow-but-healthy streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// WithLogger sets the slog logger used by the client. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// defaultStreamHTTPClient returns an http.Client suitable for streaming: the
// header wait is bounded, but there is no per-element timeout once the stream
// has started.
func defaultStreamHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: t}
}

// newUpstreamRequest builds a GET against base with the fixed identifying
// User-Agent and the given Accept media type. Shared by the streaming and
// single-shot paths so both speak the same dialect.
func newUpstreamRequest(ctx context.Context, base *url.URL, path string, query url.Values, accept string) (*http.Request, error) {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgentValue)
	req.Header.Set("Accept", accept)
	return req, nil
}
