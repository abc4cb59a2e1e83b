package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gmavrommatis/vetstream/review"
)

const detailsPath = "/details"

// ClinicClient is the single-shot sibling of StreamClient: one request, one
// complete JSON response, no header/body split. It shares the request
// construction and error taxonomy of the streaming path.
type ClinicClient struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger
}

// NewClinicClient constructs a ClinicClient for the pet-clinic service
// rooted at baseURL.
func NewClinicClient(baseURL string, opts ...Option) (*ClinicClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pet-clinic base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("pet-clinic base URL must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{}
	}

	return &ClinicClient{base: base, hc: cfg.httpClient, log: cfg.logger}, nil
}

// ClinicDetails retrieves one page of clinic details, blocking until the
// complete response has arrived. An HTTP status >= 400 is an
// *UpstreamStatusError, a connection failure a *TransportError, and an
// unparseable body a *DecodeError.
func (c *ClinicClient) ClinicDetails(ctx context.Context, page, size int) (*review.ClinicDetails, error) {
	query := url.Values{
		"page": []string{strconv.Itoa(page)},
		"size": []string{strconv.Itoa(size)},
	}
	req, err := newUpstreamRequest(ctx, c.base, detailsPath, query, "application/json")
	if err != nil {
		return nil, fmt.Errorf("build clinic details request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.ErrorContext(ctx, "clinic.details.transport.fail", slog.String("url", req.URL.String()), slog.String("err", err.Error()))
		return nil, &TransportError{Op: "clinic details request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.log.ErrorContext(ctx, "clinic.details.status.fail",
			slog.Int("status", resp.StatusCode),
			slog.String("url", req.URL.String()))
		return nil, &UpstreamStatusError{Status: resp.StatusCode, Headers: resp.Header}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "clinic details read", Err: err}
	}
	var details review.ClinicDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, &DecodeError{Err: err, Preview: truncatePreview(body)}
	}
	return &details, nil
}
