package client

import (
	"encoding/json"

	"github.com/gmavrommatis/vetstream/review"
)

// previewLimit bounds how much of a malformed chunk is echoed into errors so
// diagnostics stay useful without unbounded log growth.
const previewLimit = 64

// decodeReview parses one payload chunk into a ReviewRecord. Pure, no
// retries: one malformed chunk is one failed element, reported as a
// *DecodeError carrying the cause and a truncated preview of the bytes.
func decodeReview(payload []byte) (review.ReviewRecord, error) {
	var rec review.ReviewRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return review.ReviewRecord{}, &DecodeError{Err: err, Preview: truncatePreview(payload)}
	}
	return rec, nil
}

func truncatePreview(b []byte) string {
	if len(b) <= previewLimit {
		return string(b)
	}
	return string(b[:previewLimit]) + "..."
}
