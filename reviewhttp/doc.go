// Package reviewhttp re-emits upstream vet-review and pet-clinic data over
// HTTP. It mounts as a standard net/http handler and exposes the same batch
// of data through several calling conventions: a blocking single-shot JSON
// endpoint, a buffered JSON-array endpoint, and Server-Sent Events streams
// that forward records as the upstream produces them.
//
// Responsibilities
//   - Request routing and query validation for the paging window
//   - Re-emission of the split-stream envelope (validated headers first,
//     lazily pulled records after)
//   - Error surfaces: failures before the first record yield a single JSON
//     error response; mid-stream failures terminate the SSE stream
//     prematurely and are never rewritten as success
//   - Prometheus metrics at /metrics
//
// Construction
//
//	h, err := reviewhttp.New(
//	    reviews, // reviewhttp.ReviewStreamer (e.g. *client.StreamClient)
//	    clinic,  // reviewhttp.ClinicFetcher (e.g. *client.ClinicClient)
//	    reviewhttp.WithLogger(logger),
//	)
//
// # Backpressure
//
// The SSE endpoints pull one record from the upstream per event written, so a
// slow downstream consumer directly slows upstream consumption. A client
// disconnect cancels the request context, which releases the upstream
// connection.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h)
//	http.ListenAndServe(":8080", mux)
package reviewhttp
