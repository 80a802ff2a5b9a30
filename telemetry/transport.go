package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with transfer metrics.
// It is used for presigned object transfers, where bytes flow directly to
// and from object storage rather than through the API client. The byte
// count follows the payload: request body for uploads, response body for
// downloads.
type InstrumentedTransport struct {
	base      http.RoundTripper
	direction string
}

// NewInstrumentedTransport creates a new instrumented transport for a
// transfer direction ("upload" or "download").
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, direction string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, direction: direction}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	var sent *countingBody
	if t.direction == "upload" && req.Body != nil {
		sent = &countingBody{ReadCloser: req.Body}
		req = req.Clone(req.Context())
		req.Body = sent
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordTransfer(req.Context(), t.direction, duration, sent.count(), outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		direction:  t.direction,
		start:      start,
		sent:       sent,
		outcome:    outcome,
	}

	return resp, nil
}

// countingBody counts bytes drained from a request body. The transport
// may read it from its own goroutine, so the counter is atomic.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingBody) count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

// instrumentedBody wraps a response body to record the transfer on close.
// For uploads the byte count comes from the counted request body.
type instrumentedBody struct {
	io.ReadCloser
	ctx       context.Context
	direction string
	start     time.Time
	read      int64
	sent      *countingBody
	outcome   string
	recorded  bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		bytes := b.read
		if b.sent != nil {
			bytes = b.sent.count()
		}
		RecordTransfer(b.ctx, b.direction, time.Since(b.start), bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
