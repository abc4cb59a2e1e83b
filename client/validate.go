package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/elnormous/contenttype"
)

// expectedStreamSizeHeader is the required numeric header advertised by the
// vet-review service on the control frame.
const expectedStreamSizeHeader = "Expected-Stream-Size"

var jsonStreamMediaType = contenttype.NewMediaType("application/x-json-stream")

// validateControlFrame inspects the control frame of a stream batch call and
// either accepts it, returning the upstream headers, or rejects it with a
// typed error. The caller guarantees frame is the first frame of its sequence
// by construction.
//
// A status >= 400 is an *UpstreamStatusError. A missing or unparseable
// Expected-Stream-Size header, or a content-type other than the streaming
// JSON media type, is a *ContractViolationError. An expected size below the
// requested limit is not an error: it is logged as a soft end-of-data signal
// and validation succeeds.
func validateControlFrame(ctx context.Context, log *slog.Logger, frame *Frame, limit int) (http.Header, error) {
	if frame.Status >= 400 {
		return nil, &UpstreamStatusError{Status: frame.Status, Headers: frame.Headers}
	}

	raw := frame.Headers.Get(expectedStreamSizeHeader)
	expected, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &ContractViolationError{
			Reason: fmt.Sprintf("missing or malformed %s header: %q", expectedStreamSizeHeader, raw),
		}
	}
	if expected < limit {
		log.WarnContext(ctx, "stream.batch.short",
			slog.Int("expected", expected),
			slog.Int("limit", limit),
			slog.String("hint", "fewer results than requested, likely end of corpus"))
	}

	ct, err := contenttype.GetMediaType(&http.Request{Header: frame.Headers})
	if err != nil || !ct.Matches(jsonStreamMediaType) {
		return nil, &ContractViolationError{
			Reason: fmt.Sprintf("unexpected content-type: %q", frame.Headers.Get("Content-Type")),
		}
	}

	return frame.Headers, nil
}
