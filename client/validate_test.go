package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func controlFrame(status int, headers map[string]string) *Frame {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Frame{IsFirst: true, Status: status, Headers: h}
}

func TestValidateControlFrame(t *testing.T) {
	discard := slog.New(slog.DiscardHandler)

	t.Run("accepts a valid frame", func(t *testing.T) {
		frame := controlFrame(http.StatusOK, map[string]string{
			"Expected-Stream-Size": "10",
			"Content-Type":         "application/x-json-stream",
		})
		headers, err := validateControlFrame(context.Background(), discard, frame, 10)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if headers.Get("Expected-Stream-Size") != "10" {
			t.Error("accepted headers should pass through unchanged")
		}
	})

	t.Run("rejects status >= 400 before header checks", func(t *testing.T) {
		frame := controlFrame(http.StatusBadRequest, nil)
		_, err := validateControlFrame(context.Background(), discard, frame, 10)
		var statusErr *UpstreamStatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("expected *UpstreamStatusError, got %T: %v", err, err)
		}
		if statusErr.Status != http.StatusBadRequest {
			t.Errorf("status: want 400 got %d", statusErr.Status)
		}
	})

	t.Run("malformed size header is a contract violation, not a rejection", func(t *testing.T) {
		frame := controlFrame(http.StatusOK, map[string]string{
			"Expected-Stream-Size": "ten",
			"Content-Type":         "application/x-json-stream",
		})
		_, err := validateControlFrame(context.Background(), discard, frame, 10)
		var contractErr *ContractViolationError
		if !errors.As(err, &contractErr) {
			t.Fatalf("expected *ContractViolationError, got %T: %v", err, err)
		}
	})

	t.Run("wrong content-type is a contract violation", func(t *testing.T) {
		frame := controlFrame(http.StatusOK, map[string]string{
			"Expected-Stream-Size": "10",
			"Content-Type":         "text/html",
		})
		_, err := validateControlFrame(context.Background(), discard, frame, 10)
		var contractErr *ContractViolationError
		if !errors.As(err, &contractErr) {
			t.Fatalf("expected *ContractViolationError, got %T: %v", err, err)
		}
		if !strings.Contains(contractErr.Reason, "text/html") {
			t.Errorf("reason should name the offending content-type: %q", contractErr.Reason)
		}
	})

	t.Run("short stream logs but succeeds", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewTextHandler(&buf, nil))
		frame := controlFrame(http.StatusOK, map[string]string{
			"Expected-Stream-Size": "2",
			"Content-Type":         "application/x-json-stream",
		})
		if _, err := validateControlFrame(context.Background(), log, frame, 10); err != nil {
			t.Fatalf("short stream must not fail validation: %v", err)
		}
		if !strings.Contains(buf.String(), "stream.batch.short") {
			t.Errorf("expected soft signal in logs, got: %s", buf.String())
		}
	})
}
