package reviewhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/gmavrommatis/vetstream/client"
	"github.com/gmavrommatis/vetstream/internal/logctx"
	"github.com/gmavrommatis/vetstream/internal/metrics"
	"github.com/gmavrommatis/vetstream/review"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	defaultOffset = 0
	defaultLimit  = 10
)

// ReviewStreamer is the upstream capability needed by the streaming
// endpoints: one call, one envelope whose body is pulled on demand.
type ReviewStreamer interface {
	StreamBatch(ctx context.Context, offset, limit int) (*client.ResponseEnvelope, error)
}

// ClinicFetcher is the single-shot upstream capability.
type ClinicFetcher interface {
	ClinicDetails(ctx context.Context, page, size int) (*review.ClinicDetails, error)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger   *slog.Logger
	registry *prometheus.Registry
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRegistry sets the Prometheus registry backing /metrics. A fresh
// registry is created when not provided.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *newConfig) { c.registry = reg }
}

// Handler re-emits upstream review and clinic data over HTTP.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	reviews ReviewStreamer
	clinic  ClinicFetcher
	metrics *metrics.Metrics
}

// New constructs a Handler over the given upstream capabilities.
func New(reviews ReviewStreamer, clinic ClinicFetcher, opts ...Option) (*Handler, error) {
	if reviews == nil {
		return nil, fmt.Errorf("review streamer is required")
	}
	if clinic == nil {
		return nil, fmt.Errorf("clinic fetcher is required")
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	h := &Handler{
		log:     slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reviews: reviews,
		clinic:  clinic,
		metrics: metrics.New(cfg.registry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /pet-client/details", h.handleClinicDetails)
	mux.HandleFunc("GET /vet-review/details", h.handleReviewBatch)
	mux.HandleFunc("GET /vet-review/details/stream/sse", h.handleReviewSSE)
	mux.HandleFunc("GET /vet-review/details/stream/sse-with-headers", h.handleReviewSSEWithHeaders)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})))
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes writes/flushes and avoids writing after ctx
// is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeJSONError emits a minimal JSON error body for failures that occur
// before any payload has been written. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// errorKind classifies an upstream failure for metrics labels and status
// mapping.
func errorKind(err error) string {
	var (
		statusErr   *client.UpstreamStatusError
		contractErr *client.ContractViolationError
		transErr    *client.TransportError
		decodeErr   *client.DecodeError
	)
	switch {
	case errors.As(err, &statusErr):
		return "upstream_status"
	case errors.As(err, &contractErr):
		return "contract_violation"
	case errors.As(err, &transErr):
		return "transport"
	case errors.As(err, &decodeErr):
		return "decode"
	default:
		return "internal"
	}
}

func statusFor(kind string) int {
	switch kind {
	case "upstream_status", "contract_violation", "decode":
		return http.StatusBadGateway
	case "transport":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeUpstreamError maps an upstream failure to a single error response.
// Only valid before any payload bytes have been written.
func (h *Handler) writeUpstreamError(ctx context.Context, w http.ResponseWriter, endpoint string, err error) {
	kind := errorKind(err)
	h.log.ErrorContext(ctx, "upstream.fail",
		slog.String("endpoint", endpoint),
		slog.String("kind", kind),
		slog.String("err", err.Error()))
	writeJSONError(w, statusFor(kind), err.Error())
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s must be an integer, got %q", key, v)
	}
	return n, nil
}

func pagingWindow(r *http.Request) (offset, limit int, err error) {
	offset, err = intQuery(r, "offset", defaultOffset)
	if err != nil {
		return 0, 0, err
	}
	limit, err = intQuery(r, "limit", defaultLimit)
	if err != nil {
		return 0, 0, err
	}
	if offset < 0 {
		return 0, 0, fmt.Errorf("offset must be >= 0, got %d", offset)
	}
	if limit <= 0 {
		return 0, 0, fmt.Errorf("limit must be > 0, got %d", limit)
	}
	return offset, limit, nil
}

// handleClinicDetails is the blocking single-shot path: one upstream request,
// one complete JSON response.
func (h *Handler) handleClinicDetails(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	page, err := intQuery(r, "page", 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := intQuery(r, "size", defaultLimit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logctx.WithCallData(r.Context(), &logctx.CallData{Endpoint: "clinic-details", Offset: page, Limit: size})
	h.log.InfoContext(ctx, "http.clinic.start")

	details, err := h.clinic.ClinicDetails(ctx, page, size)
	if err != nil {
		h.writeUpstreamError(ctx, w, "clinic-details", err)
		h.metrics.ObserveRequest("clinic-details", "error", time.Since(start))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("X-Page", strconv.Itoa(page))
	w.Header().Set("X-Size", strconv.Itoa(size))
	w.Header().Set("X-Result-Count", strconv.Itoa(len(details.Vets)))
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(details); err != nil {
		h.log.ErrorContext(ctx, "http.clinic.write.fail", slog.String("err", err.Error()))
		return
	}
	h.metrics.ObserveRequest("clinic-details", "ok", time.Since(start))
	h.log.InfoContext(ctx, "http.clinic.ok", slog.Duration("dur", time.Since(start)))
}

// handleReviewBatch drains one stream batch fully and re-emits it as a single
// JSON array. Because nothing is written until the drain completes, any
// terminal failure still surfaces as a single error response.
func (h *Handler) handleReviewBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	offset, limit, err := pagingWindow(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logctx.WithCallData(r.Context(), &logctx.CallData{Endpoint: "review-batch", Offset: offset, Limit: limit})
	h.log.InfoContext(ctx, "http.batch.start")

	env, err := h.reviews.StreamBatch(ctx, offset, limit)
	if err != nil {
		h.metrics.StreamFailure("control", errorKind(err))
		h.writeUpstreamError(ctx, w, "review-batch", err)
		h.metrics.ObserveRequest("review-batch", "error", time.Since(start))
		return
	}
	defer env.Body.Close()

	records := []review.ReviewRecord{}
	for {
		rec, err := env.Body.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			kind := errorKind(err)
			h.metrics.StreamFailure("body", kind)
			h.log.ErrorContext(ctx, "http.batch.drain.fail", slog.String("err", err.Error()))
			writeJSONError(w, statusFor(kind), err.Error())
			h.metrics.ObserveRequest("review-batch", "error", time.Since(start))
			return
		}
		records = append(records, rec)
	}

	copyEnvelopeHeaders(w.Header(), env.Headers)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(records); err != nil {
		h.log.ErrorContext(ctx, "http.batch.write.fail", slog.String("err", err.Error()))
		return
	}
	h.metrics.ObserveRequest("review-batch", "ok", time.Since(start))
	h.log.InfoContext(ctx, "http.batch.ok",
		slog.Int("records", len(records)),
		slog.Duration("dur", time.Since(start)))
}

// handleReviewSSE streams records as SSE without the upstream metadata
// headers; the handshake carries only the paging window.
func (h *Handler) handleReviewSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, "review-sse", false)
}

// handleReviewSSEWithHeaders resolves the envelope first and copies the
// validated upstream metadata into the handshake before streaming.
func (h *Handler) handleReviewSSEWithHeaders(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, "review-sse-headers", true)
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, endpoint string, includeHeaders bool) {
	start := time.Now()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(r.Context(), "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(r.Context(), "sse.flusher.missing")
		return
	}

	offset, limit, err := pagingWindow(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logctx.WithCallData(r.Context(), &logctx.CallData{Endpoint: endpoint, Offset: offset, Limit: limit})
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	h.log.InfoContext(ctx, "sse.stream.start")

	// Resolve the envelope before committing to an SSE response so a rejected
	// control frame surfaces as a plain error response, never a partial
	// stream.
	env, err := h.reviews.StreamBatch(ctx, offset, limit)
	if err != nil {
		h.metrics.StreamFailure("control", errorKind(err))
		h.writeUpstreamError(ctx, w, endpoint, err)
		h.metrics.ObserveRequest(endpoint, "error", time.Since(start))
		return
	}
	defer env.Body.Close()

	w.Header().Set("X-Offset", strconv.Itoa(offset))
	w.Header().Set("X-Limit", strconv.Itoa(limit))
	if includeHeaders {
		copyEnvelopeHeaders(w.Header(), env.Headers)
	} else {
		w.Header().Set("X-Stream-Type", "vet-reviews")
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	delivered := 0
	for {
		rec, err := env.Body.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The stream has already started; ending it abruptly is the only
			// honest surface left.
			kind := errorKind(err)
			h.metrics.StreamFailure("body", kind)
			h.metrics.ObserveRequest(endpoint, "error", time.Since(start))
			h.log.ErrorContext(ctx, "sse.stream.abort",
				slog.String("kind", kind),
				slog.Int("delivered", delivered),
				slog.String("err", err.Error()))
			return
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.marshal.fail", slog.String("err", err.Error()))
			return
		}
		if err := writeSSEEvent(wf, strconv.Itoa(delivered), payload); err != nil {
			h.log.InfoContext(ctx, "sse.consumer.gone", slog.String("err", err.Error()))
			h.metrics.ObserveRequest(endpoint, "disconnect", time.Since(start))
			return
		}
		delivered++
		h.metrics.RecordStreamed()
	}

	h.metrics.ObserveRequest(endpoint, "ok", time.Since(start))
	h.log.InfoContext(ctx, "sse.stream.end",
		slog.Int("delivered", delivered),
		slog.Duration("dur", time.Since(start)))
}

// copyEnvelopeHeaders transfers the X-prefixed metadata of a validated
// envelope onto a downstream response.
func copyEnvelopeHeaders(dst http.Header, env http.Header) {
	for _, k := range []string{
		client.HeaderOffset,
		client.HeaderLimit,
		client.HeaderTotalCount,
		client.HeaderExpectedStreamSize,
	} {
		if v := env.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}

// writeSSEEvent writes one Server-Sent Event with the given id and payload as
// its data field, then flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
