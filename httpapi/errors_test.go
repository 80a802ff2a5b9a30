package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStatusErrorMessageExtraction(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "message field",
			status: 400,
			body:   `{"message":"bad input"}`,
			want:   "bad input",
		},
		{
			name:   "error field fallback",
			status: 409,
			body:   `{"error":"already exists"}`,
			want:   "already exists",
		},
		{
			name:   "non-JSON body falls back to status text",
			status: 502,
			body:   "<html>bad gateway</html>",
			want:   "Bad Gateway",
		},
		{
			name:   "empty body",
			status: 500,
			body:   "",
			want:   "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := newStatusError(tt.status, []byte(tt.body), "req-1")
			require.Equal(t, tt.status, apiErr.Status)
			require.Equal(t, tt.want, apiErr.Message)
			require.Equal(t, "req-1", apiErr.RequestID)
		})
	}
}

func TestRetryableCombinesMethodAndFailure(t *testing.T) {
	network := &APIError{Message: "network request failed"}
	serverErr := &APIError{Status: 503}
	notFound := &APIError{Status: 404}
	unauthorized := &APIError{Status: 401}

	require.True(t, network.Retryable(http.MethodGet))
	require.True(t, network.Retryable(http.MethodHead))
	require.False(t, network.Retryable(http.MethodPost))

	require.True(t, serverErr.Retryable(http.MethodGet))
	require.False(t, serverErr.Retryable(http.MethodDelete))

	require.False(t, notFound.Retryable(http.MethodGet))
	require.False(t, unauthorized.Retryable(http.MethodGet))
}

func TestNewTransportErrorTimeout(t *testing.T) {
	apiErr := newTransportError(context.DeadlineExceeded, "req-2")

	require.True(t, apiErr.Transport())
	require.True(t, apiErr.Timeout)
	require.Equal(t, "request timed out", apiErr.Message)
	require.ErrorIs(t, apiErr, context.DeadlineExceeded)
}

func TestNewTransportErrorGeneric(t *testing.T) {
	cause := errors.New("connection reset")
	apiErr := newTransportError(cause, "req-3")

	require.True(t, apiErr.Transport())
	require.False(t, apiErr.Timeout)
	require.Equal(t, "network request failed", apiErr.Message)
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "api: 404 Not Found",
		(&APIError{Status: 404, Message: "Not Found"}).Error())
	require.Equal(t, "api: network request failed",
		(&APIError{Message: "network request failed"}).Error())
}
