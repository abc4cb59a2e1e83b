package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gmavrommatis/vetstream/review"
)

const batchPath = "/reviewer-details/json-stream/back-pressure/batch"

// Envelope header names surfaced to downstream callers, derived from the
// validated upstream headers.
const (
	HeaderOffset             = "X-Offset"
	HeaderLimit              = "X-Limit"
	HeaderTotalCount         = "X-Total-Count"
	HeaderExpectedStreamSize = "X-Expected-Stream-Size"
)

// ErrStreamClosed is the terminal signal of a RecordStream whose consumer
// cancelled consumption via Close or context cancellation. It is distinct
// from io.EOF (normal end of data).
var ErrStreamClosed = errors.New("record stream closed")

// StreamClient issues batch streaming calls against the vet-review service
// and splits each response into a one-time validated control observation
// (status + headers) and a repeatable data observation (decoded records,
// pulled on demand).
type StreamClient struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger
}

// NewStreamClient constructs a StreamClient for the vet-review service
// rooted at baseURL.
func NewStreamClient(baseURL string, opts ...Option) (*StreamClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid vet-review base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("vet-review base URL must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = defaultStreamHTTPClient()
	}

	return &StreamClient{base: base, hc: cfg.httpClient, log: cfg.logger}, nil
}

// ResponseEnvelope pairs the validated upstream headers with a lazy,
// pull-driven record stream. Headers are fully resolved before the envelope
// is returned; Body touches the network only when the caller first pulls and
// is the tail of the same frame sequence that produced the headers.
type ResponseEnvelope struct {
	Headers http.Header
	Body    *RecordStream
}

// StreamBatch issues one GET against the batch streaming endpoint, validates
// the control frame, and returns the envelope. The network is touched exactly
// once per call.
//
// The returned stream is bound to ctx: cancelling ctx releases the underlying
// connection, as does Body.Close. A rejected control frame fails the call
// before any body element exists, so the caller can never observe a body for
// an invalid response.
func (c *StreamClient) StreamBatch(ctx context.Context, offset, limit int) (*ResponseEnvelope, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0, got %d", offset)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0, got %d", limit)
	}

	query := url.Values{
		"offset": []string{strconv.Itoa(offset)},
		"limit":  []string{strconv.Itoa(limit)},
	}
	req, err := newUpstreamRequest(ctx, c.base, batchPath, query, jsonStreamMediaType.String())
	if err != nil {
		return nil, fmt.Errorf("build stream batch request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.ErrorContext(ctx, "stream.batch.transport.fail", slog.String("url", req.URL.String()), slog.String("err", err.Error()))
		return nil, &TransportError{Op: "stream batch request", Err: err}
	}

	src := newReplaySource(newHTTPFrameSource(resp))

	frame, err := src.Peek(ctx)
	if err != nil {
		_ = src.Close()
		c.log.ErrorContext(ctx, "stream.batch.control.fail", slog.String("err", err.Error()))
		return nil, err
	}
	headers, err := validateControlFrame(ctx, c.log, frame, limit)
	if err != nil {
		_ = src.Close()
		c.log.ErrorContext(ctx, "stream.batch.reject", slog.String("err", err.Error()))
		return nil, err
	}

	body := &RecordStream{src: src, log: c.log}
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	body.stop = stop

	return &ResponseEnvelope{
		Headers: deriveEnvelopeHeaders(headers, offset, limit),
		Body:    body,
	}, nil
}

// deriveEnvelopeHeaders copies the validated upstream headers and adds the
// X-prefixed set exposed to downstream callers.
func deriveEnvelopeHeaders(upstream http.Header, offset, limit int) http.Header {
	h := upstream.Clone()
	h.Set(HeaderOffset, strconv.Itoa(offset))
	h.Set(HeaderLimit, strconv.Itoa(limit))
	if v := upstream.Get("Total-Count"); v != "" {
		h.Set(HeaderTotalCount, v)
	}
	h.Set(HeaderExpectedStreamSize, upstream.Get(expectedStreamSizeHeader))
	return h
}

// RecordStream is the lazy body of a ResponseEnvelope. Each Next reads and
// decodes exactly one frame, so the upstream is never asked for more frames
// than the consumer has pulled; nothing is buffered beyond the single-slot
// control-frame cache. Records are yielded in wire order.
//
// Next is not safe for concurrent use. Close may be called concurrently with
// a blocked Next and unblocks it.
type RecordStream struct {
	src  *replaySource
	log  *slog.Logger
	stop func() bool // detaches the context watcher, set by StreamBatch

	mu     sync.Mutex
	term   error // sticky terminal signal
	closed bool
}

// Next returns the next record. It returns io.EOF at normal end of stream,
// ErrStreamClosed after cancellation, a *DecodeError if the next chunk is
// malformed, or a *TransportError if the connection fails mid-stream.
// Terminal signals are sticky: every subsequent call repeats the same one.
// Records delivered before a terminal signal remain valid.
func (s *RecordStream) Next(ctx context.Context) (review.ReviewRecord, error) {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term != nil {
		return review.ReviewRecord{}, term
	}

	for {
		frame, err := s.src.Next(ctx)
		if err != nil {
			if s.isClosed() {
				err = ErrStreamClosed
			}
			return review.ReviewRecord{}, s.terminate(ctx, err)
		}
		if len(frame.Payload) == 0 {
			continue
		}
		rec, err := decodeReview(frame.Payload)
		if err != nil {
			return review.ReviewRecord{}, s.terminate(ctx, err)
		}
		s.log.InfoContext(ctx, "stream.record.decoded",
			slog.String("reviewer", rec.Reviewer),
			slog.Int("rating", rec.Rating))
		return rec, nil
	}
}

// Close cancels consumption and releases the underlying connection. It is
// idempotent and safe to call at any point; records already delivered are
// unaffected.
func (s *RecordStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.term == nil {
		s.term = ErrStreamClosed
	}
	s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	return s.src.Close()
}

func (s *RecordStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// terminate records the first terminal signal, releases the connection and
// logs abnormal terminations.
func (s *RecordStream) terminate(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.term == nil {
		s.term = err
	}
	term := s.term
	s.mu.Unlock()

	_ = s.src.Close()
	if s.stop != nil {
		s.stop()
	}
	if !errors.Is(term, io.EOF) && !errors.Is(term, ErrStreamClosed) {
		s.log.ErrorContext(ctx, "stream.terminal", slog.String("err", term.Error()))
	}
	return term
}
