package client

import (
	"fmt"
	"net/http"
)

// UpstreamStatusError reports a first-frame HTTP status >= 400. It carries
// the status and headers as observed and is surfaced before any body element
// is produced. Retry policy, if any, belongs to an outer layer.
type UpstreamStatusError struct {
	Status  int
	Headers http.Header
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream error: %d, headers=%v", e.Status, e.Headers)
}

// ContractViolationError reports a response that breaks the upstream
// contract: a missing or malformed required header, or a content-type other
// than the streaming media type. Distinct from a status rejection; treated as
// fatal misconfiguration of the upstream.
type ContractViolationError struct {
	Reason string
}

func (e *ContractViolationError) Error() string { return e.Reason }

// TransportError wraps a connection-level failure (dial, reset, timeout). It
// can surface during header resolution or mid-body, at whichever point the
// connection fails.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports one malformed payload chunk. It is terminal for the
// body sequence; records yielded before it remain valid. Preview is bounded
// so a hostile payload cannot inflate log volume.
type DecodeError struct {
	Err     error
	Preview string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse JSON chunk %q: %v", e.Preview, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
