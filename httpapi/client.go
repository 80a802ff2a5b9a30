// Package httpapi implements the resilient HTTP client for the
// PukkeConnect REST API. Outgoing calls get a consistent base
// configuration, a bearer credential header when one is stored, and a
// uniform resilience policy: bounded retry with quadratic backoff for
// idempotent requests, offline-aware deferred retry, session-expiry
// handling, and decoupled failure notifications.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pukkeconnect/mediakit/credentials"
	"github.com/pukkeconnect/mediakit/telemetry"
)

const (
	// DefaultTimeout is the overall deadline applied to each attempt.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries is the number of automatic retries after the
	// first attempt.
	DefaultMaxRetries = 2

	// DefaultRetryBaseDelay scales the quadratic backoff schedule:
	// delay = base * attempt².
	DefaultRetryBaseDelay = 300 * time.Millisecond
)

// RetryPolicy configures automatic retries for idempotent requests.
type RetryPolicy struct {
	// MaxRetries is the number of automatic retries after the first
	// attempt.
	MaxRetries int

	// BaseDelay scales the backoff schedule: the delay before retry n
	// (1-based) is BaseDelay * n².
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy: 2 retries with delays
// of 300ms and 1200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultRetryBaseDelay,
	}
}

// Request describes one logical API call, including any retries the
// client performs on its behalf.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is JSON-marshalled once and reused across attempts. A nil
	// Body sends no payload.
	Body any

	id       string
	attempts int
}

// Attempts returns how many attempts the client issued for this request
// during the most recent Do call.
func (r *Request) Attempts() int {
	return r.attempts
}

// Response is a completed 2xx API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// Client issues requests against the PukkeConnect API.
type Client struct {
	baseURL string
	hc      *http.Client
	creds   credentials.Store
	notify  Notifier
	session SessionObserver
	probe   ConnectivityProbe
	retry   RetryPolicy
	logger  *slog.Logger

	// expired latches after the first 401 of a session so concurrent
	// failures collapse into one logout and one notification. Rearmed by
	// SessionEstablished.
	expired atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout, if zero, is set
// to DefaultTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc.Timeout = d
	}
}

// WithCredentials sets the token store consulted on every request.
func WithCredentials(store credentials.Store) Option {
	return func(c *Client) {
		c.creds = store
	}
}

// WithNotifier sets the notification sink for terminal failures.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notify = n
	}
}

// WithSessionObserver sets the observer invoked on session expiry.
func WithSessionObserver(o SessionObserver) Option {
	return func(c *Client) {
		c.session = o
	}
}

// WithConnectivityProbe sets the probe used for the offline retry policy.
// Without a probe the client never defers to reconnect.
func WithConnectivityProbe(p ConnectivityProbe) Option {
	return func(c *Client) {
		c.probe = p
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc: &http.Client{
			Timeout: DefaultTimeout,
		},
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc.Timeout == 0 {
		c.hc.Timeout = DefaultTimeout
	}
	return c
}

// SessionEstablished rearms session-expiry handling after a new login.
// Until the next 401 the client will again invoke the session observer
// and emit the "session expired" notification.
func (c *Client) SessionEstablished() {
	c.expired.Store(false)
}

// Do issues a logical request, applying the retry, offline and
// auth-expiry policies. On failure the returned error is always an
// *APIError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	// Each Do call is one logical request: a reused descriptor gets a
	// fresh id and a full retry budget.
	req.id = uuid.NewString()
	req.attempts = 0

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, &APIError{
				Message:   fmt.Sprintf("encoding request body: %v", err),
				RequestID: req.id,
				cause:     err,
			}
		}
	}

	start := time.Now()
	offlineDeferred := false

	for {
		resp, attemptErr := c.attempt(ctx, req, payload)
		req.attempts++

		if attemptErr == nil && resp.Status < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				"request_id", req.id,
				"method", req.Method,
				"path", req.Path,
				"status", resp.Status,
				"attempts", req.attempts,
			)
			telemetry.RecordRequest(ctx, req.Method, "success", time.Since(start))
			return resp, nil
		}

		var apiErr *APIError
		if attemptErr != nil {
			apiErr = newTransportError(attemptErr, req.id)
		} else {
			apiErr = newStatusError(resp.Status, resp.Body, req.id)
		}

		if apiErr.AuthExpired() {
			c.handleAuthExpired(ctx, req)
			telemetry.RecordRequest(ctx, req.Method, "auth_expired", time.Since(start))
			return nil, apiErr
		}

		if apiErr.Retryable(req.Method) {
			if c.probe != nil && c.probe.Offline() {
				// Offline policy: no backoff timer. Suspend and re-issue
				// exactly once when connectivity resumes.
				if apiErr.Transport() && !offlineDeferred {
					offlineDeferred = true
					c.logger.Info("request deferred until back online",
						"request_id", req.id,
						"method", req.Method,
						"path", req.Path,
					)
					telemetry.RecordRetry(ctx, req.Method, "offline")
					if err := c.probe.AwaitOnline(ctx); err != nil {
						return nil, &APIError{
							Message:   "request canceled while waiting for connectivity",
							RequestID: req.id,
							cause:     err,
						}
					}
					continue
				}
			} else if req.attempts <= c.retry.MaxRetries {
				delay := c.retry.BaseDelay * time.Duration(req.attempts*req.attempts)
				c.logger.Warn("request failed, retrying",
					"request_id", req.id,
					"method", req.Method,
					"path", req.Path,
					"status", apiErr.Status,
					"attempt", req.attempts,
					"delay", delay,
				)
				reason := "status"
				if apiErr.Transport() {
					reason = "network"
				}
				telemetry.RecordRetry(ctx, req.Method, reason)

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, &APIError{
						Message:   "request canceled during retry backoff",
						RequestID: req.id,
						cause:     ctx.Err(),
					}
				}
				continue
			}
		}

		c.logger.Error("request failed",
			"request_id", req.id,
			"method", req.Method,
			"path", req.Path,
			"status", apiErr.Status,
			"attempts", req.attempts,
			"error", apiErr.Message,
		)
		c.notifyTerminal(apiErr, offlineDeferred)
		telemetry.RecordRequest(ctx, req.Method, "error", time.Since(start))
		return nil, apiErr
	}
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, req *Request, payload []byte) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	hreq.Header.Set("Accept", "application/json")
	if payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			hreq.Header.Add(k, v)
		}
	}
	c.setAuth(ctx, hreq)

	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

// setAuth attaches the bearer header when a token is stored. A missing
// token or store is not an error.
func (c *Client) setAuth(ctx context.Context, hreq *http.Request) {
	if c.creds == nil {
		return
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoToken) {
			c.logger.Warn("reading stored token", "error", err)
		}
		return
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}
}

// handleAuthExpired runs the 401 side effects once per expiry event: the
// stored token is cleared, the session observer fires, and a single
// "session expired" notification is emitted. Concurrent 401s from the
// same expired session collapse into one event.
func (c *Client) handleAuthExpired(ctx context.Context, req *Request) {
	if !c.expired.CompareAndSwap(false, true) {
		return
	}

	c.logger.Warn("session expired",
		"request_id", req.id,
		"method", req.Method,
		"path", req.Path,
	)

	if c.creds != nil {
		if err := c.creds.Clear(ctx); err != nil {
			c.logger.Warn("clearing stored token", "error", err)
		}
	}
	if c.session != nil {
		c.session.SessionExpired()
	}
	c.emit(Notification{
		Title:       "Session expired",
		Description: "Please sign in again.",
		Tone:        ToneWarning,
	})
}

// notifyTerminal emits the user-facing notification for a terminal
// failure. 401s are handled elsewhere and never reach this path.
func (c *Client) notifyTerminal(apiErr *APIError, offlineDeferred bool) {
	offlineRelated := apiErr.Transport() &&
		(offlineDeferred || (c.probe != nil && c.probe.Offline()))

	if offlineRelated {
		c.emit(Notification{
			Title:       "Still offline",
			Description: "The request could not be completed while offline.",
			Tone:        ToneWarning,
		})
		return
	}

	c.emit(Notification{
		Title:       "Request failed",
		Description: apiErr.Message,
		Tone:        ToneError,
	})
}

func (c *Client) emit(n Notification) {
	if c.notify == nil {
		return
	}
	c.notify.Notify(n)
}

// GetJSON issues a GET request and decodes the response into out when
// out is non-nil.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// PostJSON issues a POST request with a JSON body and decodes the
// response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// PutJSON issues a PUT request with a JSON body and decodes the response
// into out when out is non-nil.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// DeleteJSON issues a DELETE request.
func (c *Client) DeleteJSON(ctx context.Context, path string) error {
	_, err := c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
	return err
}
