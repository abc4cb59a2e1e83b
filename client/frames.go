package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// Frame is one unit of a chunked upstream response. The first frame of a
// sequence carries the authoritative status and headers; data frames carry
// one payload chunk each.
type Frame struct {
	IsFirst bool
	Status  int
	Headers http.Header
	Payload []byte
}

// frameSource yields the frames of exactly one upstream response, in wire
// order. Next blocks until the next frame arrives, returns io.EOF at normal
// end of stream, and returns a *TransportError on connection failure. Close
// releases the underlying connection, unblocking any in-flight Next; it is
// idempotent and safe for concurrent use with Next.
type frameSource interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// httpFrameSource adapts an *http.Response carrying a newline-delimited JSON
// body into a frame sequence: one control frame synthesized from the status
// line and headers, then one data frame per chunk. Reads are demand-driven:
// each Next performs at most one read against the body, so the upstream is
// never asked for more than the consumer has pulled.
type httpFrameSource struct {
	resp    *http.Response
	scanner *bufio.Scanner
	first   bool

	mu     sync.Mutex
	closed bool
}

func newHTTPFrameSource(resp *http.Response) *httpFrameSource {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &httpFrameSource{resp: resp, scanner: sc, first: true}
}

func (s *httpFrameSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "frame read", Err: err}
	}
	if s.first {
		s.first = false
		return &Frame{IsFirst: true, Status: s.resp.StatusCode, Headers: s.resp.Header}, nil
	}
	for s.scanner.Scan() {
		chunk := bytes.TrimSpace(s.scanner.Bytes())
		if len(chunk) == 0 {
			continue // blank keep-alive line between chunks
		}
		payload := make([]byte, len(chunk))
		copy(payload, chunk)
		return &Frame{Status: s.resp.StatusCode, Headers: s.resp.Header, Payload: payload}, nil
	}
	if err := s.scanner.Err(); err != nil {
		if s.isClosed() {
			// The reader was torn down by Close, not by the network.
			return nil, &TransportError{Op: "frame read", Err: context.Canceled}
		}
		return nil, &TransportError{Op: "frame read", Err: err}
	}
	return nil, io.EOF
}

func (s *httpFrameSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *httpFrameSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.resp.Body.Close()
}

// replaySource wraps a frameSource with a single-slot cache for the control
// frame. The same underlying sequence is logically consumed twice (once for
// the header peek, once for the body drain) while touching the network
// exactly once: Peek memoizes frame zero, and Next yields only the frames
// after it. Re-deriving the control frame from a drained sequence is
// impossible by construction because this wrapper owns the only handle.
type replaySource struct {
	src    frameSource
	cached *Frame
}

func newReplaySource(src frameSource) *replaySource {
	return &replaySource{src: src}
}

// Peek returns the control frame, fetching and memoizing it on first use.
// Peeking never advances consumption of the data frames.
func (r *replaySource) Peek(ctx context.Context) (*Frame, error) {
	if r.cached != nil {
		return r.cached, nil
	}
	f, err := r.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	r.cached = f
	return f, nil
}

// Next yields data frames only; the memoized control frame is skipped.
func (r *replaySource) Next(ctx context.Context) (*Frame, error) {
	if r.cached == nil {
		if _, err := r.Peek(ctx); err != nil {
			return nil, err
		}
	}
	return r.src.Next(ctx)
}

func (r *replaySource) Close() error { return r.src.Close() }
