// Package preview resolves ordered batches of media references to
// displayable URLs through the signed-URL cache, tracking per-item
// progress. Its central invariant is staleness protection: when a new
// batch supersedes one still in flight, the superseded batch's results
// are discarded silently and never overwrite fresher state.
package preview

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pukkeconnect/mediakit"
	"github.com/pukkeconnect/mediakit/telemetry"
)

// URLResolver is the slice of the signed-URL cache the resolver needs.
type URLResolver interface {
	GetURL(ctx context.Context, key string) (string, error)
}

// Preview is the externally observed state of one media item.
type Preview struct {
	Key     string
	URL     string
	Loading bool
	Failed  bool
}

// Resolver resolves preview batches. Superseding a batch is cooperative:
// the stale work still runs to completion but its results are dropped at
// the commit point by a generation check.
type Resolver struct {
	urls     URLResolver
	logger   *slog.Logger
	limit    int
	onUpdate func([]Preview)

	// pubMu serializes snapshot capture with delivery to onUpdate, so the
	// callback always receives snapshots in the order they were taken.
	// Always acquired before mu.
	pubMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	sig      mediakit.Signature
	hasSig   bool
	previews []Preview
	done     chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithConcurrency bounds the number of item resolutions in flight per
// batch. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		r.limit = n
	}
}

// WithOnUpdate registers a callback invoked with a consistent snapshot
// after every state change.
func WithOnUpdate(fn func([]Preview)) Option {
	return func(r *Resolver) {
		r.onUpdate = fn
	}
}

// New creates a resolver backed by the given URL source.
func New(urls URLResolver, opts ...Option) *Resolver {
	closed := make(chan struct{})
	close(closed)

	r := &Resolver{
		urls:   urls,
		logger: slog.Default(),
		done:   closed,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve starts resolution of a batch of media references. An empty or
// nil batch yields empty state synchronously. A batch whose signature
// equals the previous one is a no-op. The returned channel closes when
// the batch's work has finished, whether its results were committed or
// discarded; for a no-op it is the in-flight batch's channel (already
// closed when that batch completed).
func (r *Resolver) Resolve(ctx context.Context, refs []mediakit.MediaRef) <-chan struct{} {
	sig := mediakit.BatchSignature(refs)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if r.hasSig && sig == r.sig {
		done := r.done
		r.mu.Unlock()
		return done
	}

	r.gen++
	gen := r.gen
	r.sig = sig
	r.hasSig = true

	r.previews = make([]Preview, len(refs))
	for i, ref := range refs {
		r.previews[i] = Preview{Key: ref.Key, Loading: true}
	}

	done := make(chan struct{})
	r.done = done

	batch := make([]mediakit.MediaRef, len(refs))
	copy(batch, refs)

	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot)

	if len(batch) == 0 {
		close(done)
		return done
	}

	r.logger.Debug("resolving preview batch",
		"signature", sig.ShortString(),
		"items", len(batch),
	)

	go r.resolve(ctx, gen, batch, done)
	return done
}

func (r *Resolver) resolve(ctx context.Context, gen uint64, batch []mediakit.MediaRef, done chan struct{}) {
	defer close(done)

	g := &errgroup.Group{}
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}

	for i, ref := range batch {
		i, ref := i, ref
		g.Go(func() error {
			u, err := r.urls.GetURL(ctx, ref.Key)
			if err != nil {
				// Item failures are isolated: siblings keep resolving.
				r.logger.Debug("preview item failed",
					"key", ref.Key,
					"error", err,
				)
				r.commit(gen, i, Preview{Key: ref.Key, Failed: true})
				return nil
			}
			r.commit(gen, i, Preview{Key: ref.Key, URL: u})
			return nil
		})
	}
	_ = g.Wait()

	// Batch-level fallback: nothing may be left stuck in loading state.
	r.failPending(gen)

	outcome := "discarded"
	r.mu.Lock()
	if gen == r.gen {
		outcome = "committed"
	}
	r.mu.Unlock()
	telemetry.RecordPreviewBatch(context.WithoutCancel(ctx), outcome, len(batch))
}

// commit writes one item's result unless the batch has been superseded.
func (r *Resolver) commit(gen uint64, idx int, p Preview) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.previews[idx] = p
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot)
}

// failPending marks any still-loading items of gen as failed.
func (r *Resolver) failPending(gen uint64) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	changed := false
	for i := range r.previews {
		if r.previews[i].Loading {
			r.previews[i].Loading = false
			r.previews[i].Failed = true
			changed = true
		}
	}
	if !changed {
		r.mu.Unlock()
		return
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot)
}

// Snapshot returns a copy of the current preview states in input order.
func (r *Resolver) Snapshot() []Preview {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Resolver) snapshotLocked() []Preview {
	out := make([]Preview, len(r.previews))
	copy(out, r.previews)
	return out
}

func (r *Resolver) publish(snapshot []Preview) {
	if r.onUpdate == nil {
		return
	}
	r.onUpdate(snapshot)
}
