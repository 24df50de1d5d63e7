package invalidation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bastion/internal/cache/metrics"
	"bastion/internal/cache/models"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
)

// Cache is the part of the multi-level cache invalidations act on.
type Cache interface {
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMany(ctx context.Context, keys []string) (int, error)
	MarkStale(ctx context.Context, key string)
	Clear(ctx context.Context) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	DeleteLocal(ctx context.Context, key string) (bool, error)
	ClearLocal(ctx context.Context) error
}

type requestKind int

const (
	kindKey requestKind = iota
	kindClear
	kindFlush
)

type request struct {
	kind requestKind
	key  string
	done chan error
}

// Invalidator queues invalidations and applies them in the configured mode:
// immediate deletes right away and waits, batched coalesces keys until the
// batch fills or the window elapses, lazy tombstones keys for deletion on
// their next access.
type Invalidator struct {
	cache    Cache
	mode     models.InvalidationMode
	overflow models.OverflowPolicy
	batch    int
	window   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	queue  chan request
	mu     sync.RWMutex
	closed bool
}

type Option func(*Invalidator)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Invalidator) { i.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Invalidator) { i.metrics = m }
}

// WithMode selects immediate (default), batched or lazy.
func WithMode(mode models.InvalidationMode) Option {
	return func(i *Invalidator) { i.mode = mode }
}

// WithQueueSize bounds pending invalidations.
func WithQueueSize(n int) Option {
	return func(i *Invalidator) {
		if n > 0 {
			i.queue = make(chan request, n)
		}
	}
}

// WithBatching sets the batch size and flush window for batched mode.
func WithBatching(size int, window time.Duration) Option {
	return func(i *Invalidator) {
		if size > 0 {
			i.batch = size
		}
		if window > 0 {
			i.window = window
		}
	}
}

// WithOverflowPolicy chooses between failing with cache_full (default) and
// blocking the caller when the queue is full.
func WithOverflowPolicy(p models.OverflowPolicy) Option {
	return func(i *Invalidator) { i.overflow = p }
}

// New constructs an Invalidator. Run must be started for queued work to apply.
func New(cache Cache, opts ...Option) (*Invalidator, error) {
	if cache == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "cache is required")
	}
	i := &Invalidator{
		cache:    cache,
		mode:     models.InvalidateImmediate,
		overflow: models.OverflowFailFast,
		batch:    100,
		window:   50 * time.Millisecond,
		logger:   slog.Default(),
		queue:    make(chan request, 4096),
	}
	for _, opt := range opts {
		opt(i)
	}
	if !i.mode.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown invalidation mode %q", i.mode)
	}
	return i, nil
}

// Mode reports the configured mode.
func (i *Invalidator) Mode() models.InvalidationMode { return i.mode }

// Invalidate queues key. In immediate mode it returns once the delete has
// been applied to every tier.
func (i *Invalidator) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return dErrors.New(dErrors.CodeValidation, "cache key is required")
	}
	req := request{kind: kindKey, key: key}
	if i.mode == models.InvalidateImmediate {
		req.done = make(chan error, 1)
	}
	return i.submit(ctx, req)
}

// InvalidatePattern resolves pattern against the cache and queues every match.
// It returns the number of keys queued.
func (i *Invalidator) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := i.cache.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for n, key := range keys {
		if err := i.Invalidate(ctx, key); err != nil {
			return n, err
		}
	}
	return len(keys), nil
}

// InvalidateAll clears every tier after pending invalidations are applied.
func (i *Invalidator) InvalidateAll(ctx context.Context) error {
	return i.submit(ctx, request{kind: kindClear, done: make(chan error, 1)})
}

// Flush applies every pending batched invalidation and waits for it.
func (i *Invalidator) Flush(ctx context.Context) error {
	return i.submit(ctx, request{kind: kindFlush, done: make(chan error, 1)})
}

// Pending reports the queue depth.
func (i *Invalidator) Pending() int { return len(i.queue) }

// Close stops accepting work. Run drains what is queued and returns.
func (i *Invalidator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.queue)
	}
}

func (i *Invalidator) submit(ctx context.Context, req request) error {
	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return sentinel.ErrClosed
	}
	if i.overflow == models.OverflowBlock {
		select {
		case i.queue <- req:
		case <-ctx.Done():
			i.mu.RUnlock()
			return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for invalidation queue")
		}
	} else {
		select {
		case i.queue <- req:
		default:
			i.mu.RUnlock()
			return dErrors.Newf(dErrors.CodeCacheFull, "invalidation queue is full (%d pending)", cap(i.queue))
		}
	}
	i.mu.RUnlock()

	if req.done == nil {
		return nil
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for invalidation")
	}
}

// Run applies queued invalidations until ctx is cancelled or Close is called.
// Pending batched keys are flushed before returning.
func (i *Invalidator) Run(ctx context.Context) error {
	pending := make([]string, 0, i.batch)
	seen := make(map[string]struct{}, i.batch)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func(ctx context.Context) error {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return nil
		}
		keys := pending
		pending = make([]string, 0, i.batch)
		clear(seen)
		_, err := i.cache.DeleteMany(ctx, keys)
		if err != nil {
			i.logger.ErrorContext(ctx, "batched invalidation failed", "keys", len(keys), "error", err)
		}
		i.record(len(keys))
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-timerC:
			_ = flush(ctx)

		case req, ok := <-i.queue:
			if !ok {
				return flush(context.WithoutCancel(ctx))
			}
			switch req.kind {
			case kindFlush:
				reply(req, flush(ctx))
			case kindClear:
				err := flush(ctx)
				if clearErr := i.cache.Clear(ctx); clearErr != nil {
					err = clearErr
				}
				reply(req, err)
			case kindKey:
				if i.mode != models.InvalidateBatched {
					reply(req, i.applyOne(ctx, req.key))
					continue
				}
				if _, dup := seen[req.key]; !dup {
					seen[req.key] = struct{}{}
					pending = append(pending, req.key)
				}
				if len(pending) >= i.batch {
					_ = flush(ctx)
				} else if timer == nil {
					timer = time.NewTimer(i.window)
					timerC = timer.C
				}
			}
		}
	}
}

func (i *Invalidator) applyOne(ctx context.Context, key string) error {
	if i.mode == models.InvalidateLazy {
		i.cache.MarkStale(ctx, key)
		i.record(1)
		return nil
	}
	_, err := i.cache.Delete(ctx, key)
	if err != nil {
		i.logger.ErrorContext(ctx, "invalidation failed", "key", key, "error", err)
	}
	i.record(1)
	return err
}

func (i *Invalidator) record(n int) {
	if i.metrics == nil {
		return
	}
	for range n {
		i.metrics.IncrementInvalidation(i.mode, "local")
	}
}

func reply(req request, err error) {
	if req.done != nil {
		req.done <- err
	}
}
