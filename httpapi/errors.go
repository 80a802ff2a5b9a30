package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// APIError is the single error shape crossing the client boundary. Every
// failure, whether transport-level or an HTTP error status, is normalized
// into it so callers never branch on the underlying transport error type.
type APIError struct {
	// Status is the HTTP status code, or 0 for transport-level failures
	// (connection errors, timeouts) where no response was received.
	Status int

	// Message is a human-readable description, taken from the response
	// body when the backend supplied one.
	Message string

	// Data is the raw response body for HTTP failures, nil otherwise.
	Data json.RawMessage

	// Timeout marks a request that exceeded its deadline. Timeouts are
	// transport failures (Status 0) for retry purposes.
	Timeout bool

	// RequestID is the client-assigned id of the logical request, carried
	// for log correlation.
	RequestID string

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api: %d %s", e.Status, e.Message)
	}
	return "api: " + e.Message
}

// Unwrap returns the underlying transport error, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Transport reports whether the failure happened before any response was
// received.
func (e *APIError) Transport() bool {
	return e.Status == 0
}

// AuthExpired reports whether the backend rejected the session (401).
func (e *APIError) AuthExpired() bool {
	return e.Status == http.StatusUnauthorized
}

// retryableStatuses is the set of response codes eligible for automatic
// retry. 4xx entries cover request timeout, too-early and rate limiting;
// the rest are transient server conditions.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// RetryableStatus reports whether an HTTP status code is in the
// automatically retryable set.
func RetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// Retryable reports whether this failure is a retry candidate for the
// given request method. Only idempotent-safe methods qualify, and 401 is
// never retried.
func (e *APIError) Retryable(method string) bool {
	if !idempotentSafe(method) {
		return false
	}
	if e.AuthExpired() {
		return false
	}
	return e.Transport() || retryableStatuses[e.Status]
}

func idempotentSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// errorBody is the conventional error payload shape of the backend.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// newTransportError normalizes a failure where no response was received.
func newTransportError(err error, requestID string) *APIError {
	timeout := isTimeout(err)
	msg := "network request failed"
	if timeout {
		msg = "request timed out"
	}
	return &APIError{
		Message:   msg,
		Timeout:   timeout,
		RequestID: requestID,
		cause:     err,
	}
}

// newStatusError normalizes a non-2xx response.
func newStatusError(status int, body []byte, requestID string) *APIError {
	msg := http.StatusText(status)
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}

	var data json.RawMessage
	if len(body) > 0 {
		data = json.RawMessage(body)
	}

	return &APIError{
		Status:    status,
		Message:   msg,
		Data:      data,
		RequestID: requestID,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
