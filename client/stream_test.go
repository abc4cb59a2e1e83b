package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// upstream describes the behavior of a fake vet-review server for one test.
type upstream struct {
	status       int
	contentType  string
	expectedSize string // raw Expected-Stream-Size value; empty means omitted
	totalCount   string
	chunks       []string // written one per line; empty strings become blank keep-alive lines
	blockAfter   int      // after this many chunks, block until the client goes away (-1 = never)
	declaredLen  int      // if > 0, declare a Content-Length to simulate a mid-stream connection cut
}

// newUpstream starts a fake vet-review server. The returned channel is closed
// when the upstream handler returns, i.e. when the connection is released.
func newUpstream(t *testing.T, u upstream) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)

		if u.expectedSize != "" {
			w.Header().Set("Expected-Stream-Size", u.expectedSize)
		}
		if u.totalCount != "" {
			w.Header().Set("Total-Count", u.totalCount)
		}
		if u.contentType != "" {
			w.Header().Set("Content-Type", u.contentType)
		}
		if u.declaredLen > 0 {
			w.Header().Set("Content-Length", strconv.Itoa(u.declaredLen))
		}
		w.WriteHeader(u.status)
		f := w.(http.Flusher)
		f.Flush()

		for i, chunk := range u.chunks {
			if u.blockAfter >= 0 && i == u.blockAfter {
				<-r.Context().Done()
				return
			}
			_, _ = io.WriteString(w, chunk+"\n")
			f.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, done
}

func newTestStreamClient(t *testing.T, baseURL string, log *slog.Logger) *StreamClient {
	t.Helper()
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c, err := NewStreamClient(baseURL, WithLogger(log))
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}
	return c
}

func TestStreamBatchHappyPath(t *testing.T) {
	srv, _ := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		totalCount:   "42",
		blockAfter:   -1,
		chunks: []string{
			`{"reviewer":"A","content":"good","rating":5}`,
			"", // keep-alive separator must be transparent to the consumer
			`{"reviewer":"B","content":"ok","rating":3}`,
			`{"reviewer":"C","content":"bad","rating":1}`,
		},
	})

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}
	defer env.Body.Close()

	// Headers are resolved before any body pull.
	if got := env.Headers.Get(HeaderExpectedStreamSize); got != "10" {
		t.Errorf("X-Expected-Stream-Size: want %q got %q", "10", got)
	}
	if got := env.Headers.Get(HeaderTotalCount); got != "42" {
		t.Errorf("X-Total-Count: want %q got %q", "42", got)
	}
	if got := env.Headers.Get(HeaderOffset); got != "0" {
		t.Errorf("X-Offset: want %q got %q", "0", got)
	}
	if got := env.Headers.Get(HeaderLimit); got != "10" {
		t.Errorf("X-Limit: want %q got %q", "10", got)
	}

	want := []struct {
		reviewer string
		rating   int
	}{{"A", 5}, {"B", 3}, {"C", 1}}
	for i, w := range want {
		rec, err := env.Body.Next(context.Background())
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if rec.Reviewer != w.reviewer || rec.Rating != w.rating {
			t.Errorf("record %d: want %s/%d got %s/%d", i, w.reviewer, w.rating, rec.Reviewer, rec.Rating)
		}
	}

	if _, err := env.Body.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
	// Terminal signals are sticky.
	if _, err := env.Body.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected sticky io.EOF, got %v", err)
	}
}

func TestStreamBatchUpstreamStatusError(t *testing.T) {
	srv, _ := newUpstream(t, upstream{
		status:       http.StatusServiceUnavailable,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		blockAfter:   -1,
	})

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 0, 10)
	if env != nil {
		t.Fatalf("expected nil envelope, got %+v", env)
	}
	var statusErr *UpstreamStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *UpstreamStatusError, got %T: %v", err, err)
	}
	if statusErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status: want %d got %d", http.StatusServiceUnavailable, statusErr.Status)
	}
}

func TestStreamBatchContentTypeRejected(t *testing.T) {
	for _, ct := range []string{"", "application/json"} {
		t.Run("content-type "+strconv.Quote(ct), func(t *testing.T) {
			srv, _ := newUpstream(t, upstream{
				status:       http.StatusOK,
				contentType:  ct,
				expectedSize: "10",
				blockAfter:   -1,
				chunks:       []string{`{"reviewer":"A","content":"good","rating":5}`},
			})

			c := newTestStreamClient(t, srv.URL, nil)
			_, err := c.StreamBatch(context.Background(), 0, 10)
			var contractErr *ContractViolationError
			if !errors.As(err, &contractErr) {
				t.Fatalf("expected *ContractViolationError, got %T: %v", err, err)
			}
			if !strings.Contains(contractErr.Reason, "unexpected content-type") {
				t.Errorf("reason: %q", contractErr.Reason)
			}
		})
	}
}

func TestStreamBatchExpectedSizeHeaderRequired(t *testing.T) {
	for name, raw := range map[string]string{"missing": "", "malformed": "lots"} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newUpstream(t, upstream{
				status:       http.StatusOK,
				contentType:  "application/x-json-stream",
				expectedSize: raw,
				blockAfter:   -1,
			})

			c := newTestStreamClient(t, srv.URL, nil)
			_, err := c.StreamBatch(context.Background(), 0, 10)
			var contractErr *ContractViolationError
			if !errors.As(err, &contractErr) {
				t.Fatalf("expected *ContractViolationError, got %T: %v", err, err)
			}
			if !strings.Contains(contractErr.Reason, "Expected-Stream-Size") {
				t.Errorf("reason: %q", contractErr.Reason)
			}
		})
	}
}

func TestStreamBatchShortStreamIsSoftSignal(t *testing.T) {
	srv, _ := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "3",
		blockAfter:   -1,
		chunks: []string{
			`{"reviewer":"A","content":"good","rating":5}`,
			`{"reviewer":"B","content":"ok","rating":3}`,
			`{"reviewer":"C","content":"bad","rating":1}`,
		},
	})

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	c := newTestStreamClient(t, srv.URL, log)

	env, err := c.StreamBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch should succeed on a short stream, got %v", err)
	}
	defer env.Body.Close()

	if !strings.Contains(buf.String(), "stream.batch.short") {
		t.Errorf("expected soft end-of-data log signal, logs: %s", buf.String())
	}

	count := 0
	for {
		_, err := env.Body.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("records: want 3 got %d", count)
	}
}

func TestStreamBatchDecodeErrorIsTerminal(t *testing.T) {
	srv, _ := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		blockAfter:   -1,
		chunks: []string{
			`{"reviewer":"A","content":"good","rating":5}`,
			`{"reviewer":`,
			`{"reviewer":"C","content":"bad","rating":1}`,
		},
	})

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}
	defer env.Body.Close()

	rec, err := env.Body.Next(context.Background())
	if err != nil {
		t.Fatalf("first record should decode, got %v", err)
	}
	if rec.Reviewer != "A" {
		t.Errorf("first record: want A got %s", rec.Reviewer)
	}

	_, err = env.Body.Next(context.Background())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	if decodeErr.Preview == "" {
		t.Error("decode error should carry a payload preview")
	}

	// The decode failure terminates the sequence; the valid chunk behind it is
	// never delivered.
	if _, again := env.Body.Next(context.Background()); !errors.As(again, &decodeErr) {
		t.Fatalf("expected sticky *DecodeError, got %v", again)
	}
}

func TestStreamBatchTransportErrorMidStream(t *testing.T) {
	chunk := `{"reviewer":"A","content":"good","rating":5}`
	srv, _ := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		blockAfter:   -1,
		declaredLen:  4096, // promise more bytes than are ever written
		chunks:       []string{chunk},
	})

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}
	defer env.Body.Close()

	if _, err := env.Body.Next(context.Background()); err != nil {
		t.Fatalf("first record should arrive before the cut, got %v", err)
	}

	_, err = env.Body.Next(context.Background())
	var transErr *TransportError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestStreamBatchTransportErrorOnConnect(t *testing.T) {
	srv, _ := newUpstream(t, upstream{status: http.StatusOK, blockAfter: -1})
	url := srv.URL
	srv.Close()

	c := newTestStreamClient(t, url, nil)
	_, err := c.StreamBatch(context.Background(), 0, 10)
	var transErr *TransportError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestStreamBatchCloseReleasesConnection(t *testing.T) {
	srv, released := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		blockAfter:   1, // one chunk, then hold the connection open
		chunks: []string{
			`{"reviewer":"A","content":"good","rating":5}`,
			`{"reviewer":"B","content":"ok","rating":3}`,
		},
	})

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}

	rec, err := env.Body.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Reviewer != "A" {
		t.Errorf("record: want A got %s", rec.Reviewer)
	}

	if err := env.Body.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not released after Close")
	}

	// The already-delivered record stands; further pulls report cancellation,
	// not a spurious failure.
	if _, err := env.Body.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after Close, got %v", err)
	}
}

func TestStreamBatchContextCancelReleasesConnection(t *testing.T) {
	srv, released := newUpstream(t, upstream{
		status:       http.StatusOK,
		contentType:  "application/x-json-stream",
		expectedSize: "10",
		blockAfter:   1,
		chunks: []string{
			`{"reviewer":"A","content":"good","rating":5}`,
			`{"reviewer":"B","content":"ok","rating":3}`,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}

	if _, err := env.Body.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}

	cancel()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not released after context cancellation")
	}
}

func TestStreamBatchRejectsInvalidWindow(t *testing.T) {
	c := newTestStreamClient(t, "http://localhost:1", nil)
	if _, err := c.StreamBatch(context.Background(), -1, 10); err == nil {
		t.Error("expected error for negative offset")
	}
	if _, err := c.StreamBatch(context.Background(), 0, 0); err == nil {
		t.Error("expected error for zero limit")
	}
}

func TestStreamBatchSendsIdentifyingHeaders(t *testing.T) {
	var gotUA, gotAccept, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Expected-Stream-Size", "5")
		w.Header().Set("Content-Type", "application/x-json-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestStreamClient(t, srv.URL, nil)
	env, err := c.StreamBatch(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("StreamBatch: %v", err)
	}
	defer env.Body.Close()

	if gotUA != "vetstream-http-client" {
		t.Errorf("User-Agent: %q", gotUA)
	}
	if gotAccept != "application/x-json-stream" {
		t.Errorf("Accept: %q", gotAccept)
	}
	if !strings.Contains(gotQuery, "offset=2") || !strings.Contains(gotQuery, "limit=5") {
		t.Errorf("query: %q", gotQuery)
	}
}
