// Package signedurl caches time-limited signed download URLs per object
// key, re-fetching from the presigning endpoint only when a cached URL is
// near expiry. A safety buffer guarantees callers never receive a URL
// that expires mid-use.
package signedurl

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pukkeconnect/mediakit/telemetry"
)

// DefaultBuffer is the safety margin subtracted from a URL's remaining
// life before it is considered usable.
const DefaultBuffer = 5 * time.Second

// presignDownloadPath is the backend endpoint queried on a cache miss.
const presignDownloadPath = "/uploads/presign-download"

// PresignClient is the slice of the API client the cache needs.
type PresignClient interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
}

// presignDownloadResponse is the endpoint's wire shape.
type presignDownloadResponse struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expiresIn"`
}

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache is a process-wide signed-URL cache. Reads and writes follow
// last-write-wins semantics; Invalidate always wins over an in-flight
// stale write by removing the key, and a later write under the same key
// is simply a fresh entry.
type Cache struct {
	client PresignClient
	buffer time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry

	// group deduplicates concurrent misses when enabled. Redundant
	// in-flight fetches are harmless, so dedup is opt-in.
	group *singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithBuffer overrides the expiry safety margin.
func WithBuffer(d time.Duration) Option {
	return func(c *Cache) {
		c.buffer = d
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithDeduplication collapses concurrent misses for the same key into a
// single presign fetch.
func WithDeduplication() Option {
	return func(c *Cache) {
		c.group = &singleflight.Group{}
	}
}

// New creates a cache backed by the given API client.
func New(client PresignClient, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		buffer:  DefaultBuffer,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetURL returns a signed download URL for key. An empty key returns
// ("", nil) without any work. A cached entry is used only while
// now + buffer < expiresAt; otherwise a fresh URL is fetched and stored.
// Fetch failures propagate unchanged from the API client.
func (c *Cache) GetURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	valid := ok && c.now().Add(c.buffer).Before(e.expiresAt)
	c.mu.Unlock()

	if valid {
		c.hits.Add(1)
		telemetry.RecordLookup(ctx, "hit")
		return e.url, nil
	}

	c.misses.Add(1)
	telemetry.RecordLookup(ctx, "miss")

	if c.group != nil {
		return c.fetchShared(ctx, key)
	}
	return c.fetch(ctx, key)
}

// fetchShared deduplicates concurrent fetches for the same key. DoChan
// lets each caller respect its own context without cancelling the fetch
// for other waiters.
func (c *Cache) fetchShared(ctx context.Context, key string) (string, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.group.Forget(key)
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, key string) (string, error) {
	var resp presignDownloadResponse
	query := url.Values{"key": []string{key}}
	if err := c.client.GetJSON(ctx, presignDownloadPath, query, &resp); err != nil {
		return "", err
	}

	expiresAt := c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)

	c.mu.Lock()
	c.entries[key] = entry{url: resp.URL, expiresAt: expiresAt}
	c.mu.Unlock()

	c.logger.Debug("cached signed url",
		"key", key,
		"expires_in", resp.ExpiresIn,
	)
	return resp.URL, nil
}

// Prime unconditionally installs an entry for key, for callers that
// already obtained a URL through a side channel (e.g. right after an
// upload). The remaining life is reduced by the buffer, clamped at zero,
// so a near-expired side-channel URL is refetched on next use.
func (c *Cache) Prime(key, downloadURL string, expiresIn time.Duration) {
	if key == "" {
		return
	}

	remaining := max(0, expiresIn-c.buffer)
	expiresAt := c.now().Add(remaining)

	c.mu.Lock()
	c.entries[key] = entry{url: downloadURL, expiresAt: expiresAt}
	c.mu.Unlock()

	telemetry.RecordLookup(context.Background(), "primed")
}

// Invalidate removes any entry for key, forcing the next GetURL to
// re-fetch. Call it whenever the underlying object was replaced or
// deleted.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats reports lookup counters since creation.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
