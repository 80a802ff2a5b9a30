package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pukkeconnect/mediakit/credentials"
)

// recordingNotifier collects emitted notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Millisecond}
}

func TestGetRetriedUpToLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, WithRetryPolicy(fastRetry()))

	start := time.Now()
	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/things"})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())

	// Quadratic schedule: base*1 + base*4.
	require.GreaterOrEqual(t, elapsed, 25*time.Millisecond)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestRequestReuseResetsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, WithRetryPolicy(fastRetry()))

	req := &Request{Method: http.MethodGet, Path: "/things"}
	_, err := client.Do(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 3, req.Attempts())

	// Reusing the descriptor must not shrink the second call's budget.
	_, err = client.Do(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 3, req.Attempts())
	require.Equal(t, int32(6), calls.Load())
}

func TestRetryableStatusSet(t *testing.T) {
	retryable := []int{408, 425, 429, 500, 502, 503, 504}
	for _, code := range retryable {
		require.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 410, 501} {
		require.False(t, RetryableStatus(code), "status %d", code)
	}
}

func TestNonIdempotentNeverRetried(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			client := New(srv.URL, WithRetryPolicy(fastRetry()))

			_, err := client.Do(context.Background(), &Request{Method: method, Path: "/things"})
			require.Error(t, err)
			require.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestNonRetryableStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	client := New(srv.URL, WithRetryPolicy(fastRetry()), WithNotifier(notifier))

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/missing"})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())

	notes := notifier.all()
	require.Len(t, notes, 1)
	require.Equal(t, "Request failed", notes[0].Title)
	require.Equal(t, ToneError, notes[0].Tone)
}

func TestAuthExpiredExclusivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := credentials.NewMemory()
	require.NoError(t, store.Save(ctx, "tok"))

	notifier := &recordingNotifier{}
	var logouts atomic.Int32

	client := New(srv.URL,
		WithRetryPolicy(fastRetry()),
		WithCredentials(store),
		WithNotifier(notifier),
		WithSessionObserver(SessionObserverFunc(func() { logouts.Add(1) })),
	)

	_, err := client.Do(ctx, &Request{Method: http.MethodGet, Path: "/me"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.AuthExpired())

	// Exactly one logout and one session-expired notification, no
	// generic failure notification.
	require.Equal(t, int32(1), logouts.Load())
	notes := notifier.all()
	require.Len(t, notes, 1)
	require.Equal(t, "Session expired", notes[0].Title)

	// Token cleared.
	_, err = store.Token(ctx)
	require.ErrorIs(t, err, credentials.ErrNoToken)

	// A second 401 from the same expired session stays collapsed.
	_, err = client.Do(ctx, &Request{Method: http.MethodGet, Path: "/me"})
	require.Error(t, err)
	require.Equal(t, int32(1), logouts.Load())
	require.Len(t, notifier.all(), 1)

	// A new session rearms the handling.
	client.SessionEstablished()
	_, err = client.Do(ctx, &Request{Method: http.MethodGet, Path: "/me"})
	require.Error(t, err)
	require.Equal(t, int32(2), logouts.Load())
	require.Len(t, notifier.all(), 2)
}

func TestBearerHeaderAttachedWhenStored(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := credentials.NewMemory()
	require.NoError(t, store.Save(ctx, "tok-xyz"))

	client := New(srv.URL, WithCredentials(store))

	_, err := client.Do(ctx, &Request{Method: http.MethodGet, Path: "/me"})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-xyz", gotAuth.Load())

	// Absent token is not an error and sends no header.
	require.NoError(t, store.Clear(ctx))
	_, err = client.Do(ctx, &Request{Method: http.MethodGet, Path: "/me"})
	require.NoError(t, err)
	require.Equal(t, "", gotAuth.Load())
}

func TestOfflineDeferralReissuesOnReconnect(t *testing.T) {
	monitor := NewMonitor()
	monitor.SetOnline(false)

	var calls atomic.Int32
	transport := roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return jsonResponse(http.StatusOK, `{"ok":true}`), nil
	})

	notifier := &recordingNotifier{}
	client := New("http://api.test",
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(fastRetry()),
		WithConnectivityProbe(monitor),
		WithNotifier(notifier),
	)

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/things"})
		done <- err
	}()

	// The request must stay suspended while offline.
	select {
	case err := <-done:
		t.Fatalf("request completed while offline: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	monitor.SetOnline(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not resume after reconnect")
	}

	require.Equal(t, int32(2), calls.Load())
	require.Empty(t, notifier.all())
}

func TestStillOfflineNotification(t *testing.T) {
	monitor := NewMonitor()
	monitor.SetOnline(false)

	var calls atomic.Int32
	transport := roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
		if calls.Add(1) == 2 {
			// Connectivity drops again before the re-issued attempt fails.
			monitor.SetOnline(false)
		}
		return nil, errors.New("dial tcp: network is unreachable")
	})

	notifier := &recordingNotifier{}
	client := New("http://api.test",
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}),
		WithConnectivityProbe(monitor),
		WithNotifier(notifier),
	)

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/things"})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	monitor.SetOnline(true)

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("request did not terminate")
	}
	require.Error(t, err)

	// One deferral, then terminal: the offline path is one-shot.
	require.Equal(t, int32(2), calls.Load())

	notes := notifier.all()
	require.Len(t, notes, 1)
	require.Equal(t, "Still offline", notes[0].Title)
	require.Equal(t, ToneWarning, notes[0].Tone)
}

func TestTransportErrorNormalized(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	transport := roundTripperFunc(func(_ *http.Request) (*http.Response, error) {
		return nil, cause
	})

	client := New("http://api.test",
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}),
	)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 0, apiErr.Status)
	require.True(t, apiErr.Transport())
	require.ErrorIs(t, apiErr, cause)
}

func TestStatusErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"name is required","field":"name"}`))
	}))
	defer srv.Close()

	client := New(srv.URL)

	err := client.PostJSON(context.Background(), "/societies", map[string]string{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "name is required", apiErr.Message)
	require.Contains(t, string(apiErr.Data), `"field":"name"`)
}

func TestGetJSONDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "k1", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"url":"https://cdn.test/k1","expiresIn":300}`))
	}))
	defer srv.Close()

	client := New(srv.URL)

	var out struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expiresIn"`
	}
	query := url.Values{"key": []string{"k1"}}
	require.NoError(t, client.GetJSON(context.Background(), "/uploads/presign-download", query, &out))
	require.Equal(t, "https://cdn.test/k1", out.URL)
	require.Equal(t, 300, out.ExpiresIn)
}

func TestContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, WithRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Do(ctx, &Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.ErrorIs(t, apiErr, context.Canceled)
}
