package warmer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"bastion/internal/cache/metrics"
	"bastion/internal/cache/models"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
)

// Strategy selects when warming runs.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategyEager     Strategy = "eager"
	StrategyLazy      Strategy = "lazy"
	StrategyScheduled Strategy = "scheduled"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyNone, StrategyEager, StrategyLazy, StrategyScheduled:
		return true
	}
	return false
}

// Warm outcomes, also used as metric labels.
const (
	ResultHit     = "hit"
	ResultLoaded  = "loaded"
	ResultMissing = "missing"
	ResultError   = "error"
)

// Cache is the subset of the multi-level cache the warmer drives. A hit on a
// lower tier promotes the entry, so a lookup alone warms L1.
type Cache interface {
	GetEntry(ctx context.Context, key string) (*models.Entry, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Loader fills keys that miss every tier.
type Loader interface {
	Load(ctx context.Context, key string) (value any, ttl time.Duration, err error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, key string) (any, time.Duration, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (any, time.Duration, error) {
	return f(ctx, key)
}

// Lister is optionally implemented by a Loader to expand configured patterns
// into concrete keys for eager and scheduled runs.
type Lister interface {
	List(ctx context.Context, pattern string) ([]string, error)
}

// Result summarizes one warming run.
type Result struct {
	Hit     int
	Loaded  int
	Missing int
	Failed  int
}

func (r Result) Total() int { return r.Hit + r.Loaded + r.Missing + r.Failed }

// Warmer preloads cache keys in batches with bounded concurrency.
type Warmer struct {
	cache       Cache
	loader      Loader
	strategy    Strategy
	keys        []string
	patterns    []string
	schedule    string
	batchSize   int
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	lazy     chan string
	inflight sync.Map
	dropped  atomic.Int64
	cron     *cron.Cron
}

type Option func(*Warmer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Warmer) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Warmer) { w.metrics = m }
}

func WithLoader(l Loader) Option {
	return func(w *Warmer) { w.loader = l }
}

func WithStrategy(s Strategy) Option {
	return func(w *Warmer) { w.strategy = s }
}

// WithKeys sets the keys warmed by eager and scheduled runs.
func WithKeys(keys ...string) Option {
	return func(w *Warmer) { w.keys = append(w.keys, keys...) }
}

// WithPatterns sets the patterns that trigger lazy warming and, when the
// loader is a Lister, the patterns expanded by eager and scheduled runs.
func WithPatterns(patterns ...string) Option {
	return func(w *Warmer) { w.patterns = append(w.patterns, patterns...) }
}

// WithSchedule sets the cron spec for the scheduled strategy. Descriptors
// such as "@every 5m" are accepted.
func WithSchedule(spec string) Option {
	return func(w *Warmer) { w.schedule = spec }
}

func WithBatchSize(n int) Option {
	return func(w *Warmer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// New constructs a Warmer. Start activates the configured strategy.
func New(cache Cache, opts ...Option) (*Warmer, error) {
	if cache == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "cache is required")
	}
	w := &Warmer{
		cache:       cache,
		strategy:    StrategyNone,
		batchSize:   50,
		concurrency: 8,
		logger:      slog.Default(),
		lazy:        make(chan string, 1024),
	}
	for _, opt := range opts {
		opt(w)
	}
	if !w.strategy.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown warming strategy %q", w.strategy)
	}
	if w.strategy == StrategyLazy && w.loader == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "lazy warming requires a loader")
	}
	if w.strategy == StrategyScheduled {
		if w.schedule == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "scheduled warming requires a schedule")
		}
		if _, err := cron.ParseStandard(w.schedule); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid warming schedule")
		}
	}
	return w, nil
}

// Strategy reports the configured strategy.
func (w *Warmer) Strategy() Strategy { return w.strategy }

// Start runs the configured strategy until ctx is cancelled. Eager warming
// completes before Start returns; lazy and scheduled warming run in the
// background.
func (w *Warmer) Start(ctx context.Context) error {
	switch w.strategy {
	case StrategyEager:
		res, err := w.WarmConfigured(ctx)
		w.logger.InfoContext(ctx, "eager cache warming finished",
			"hit", res.Hit,
			"loaded", res.Loaded,
			"missing", res.Missing,
			"failed", res.Failed,
		)
		return err
	case StrategyLazy:
		go w.runLazy(ctx)
	case StrategyScheduled:
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(w.schedule, func() {
			res, err := w.WarmConfigured(ctx)
			if err != nil {
				w.logger.WarnContext(ctx, "scheduled cache warming failed", "error", err)
				return
			}
			w.logger.DebugContext(ctx, "scheduled cache warming finished", "warmed", res.Total())
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "invalid warming schedule")
		}
		w.cron.Start()
		go func() {
			<-ctx.Done()
			<-w.cron.Stop().Done()
		}()
	}
	return nil
}

// OnMiss is installed as the cache's miss hook. Keys matching a configured
// pattern are queued for lazy warming; the call never blocks the lookup.
func (w *Warmer) OnMiss(_ context.Context, key string) {
	if w.strategy != StrategyLazy || !w.matches(key) {
		return
	}
	if _, busy := w.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	select {
	case w.lazy <- key:
	default:
		w.inflight.Delete(key)
		w.dropped.Add(1)
	}
}

// Dropped reports lazy warm requests discarded because the queue was full.
func (w *Warmer) Dropped() int64 { return w.dropped.Load() }

func (w *Warmer) matches(key string) bool {
	return slices.ContainsFunc(w.patterns, func(p string) bool {
		return models.MatchPattern(p, key)
	})
}

func (w *Warmer) runLazy(ctx context.Context) {
	batch := make([]string, 0, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-w.lazy:
			batch = append(batch, key)
		drain:
			for len(batch) < w.batchSize {
				select {
				case key := <-w.lazy:
					batch = append(batch, key)
				default:
					break drain
				}
			}
			if _, err := w.Warm(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.WarnContext(ctx, "lazy cache warming failed", "error", err)
			}
			for _, k := range batch {
				w.inflight.Delete(k)
			}
			batch = batch[:0]
		}
	}
}

// WarmConfigured warms the configured keys plus every key the loader lists
// for the configured patterns.
func (w *Warmer) WarmConfigured(ctx context.Context) (Result, error) {
	keys := slices.Clone(w.keys)
	if lister, ok := w.loader.(Lister); ok {
		for _, p := range w.patterns {
			listed, err := lister.List(ctx, p)
			if err != nil {
				return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("listing warm keys for %q", p))
			}
			keys = append(keys, listed...)
		}
	}
	slices.Sort(keys)
	return w.Warm(ctx, slices.Compact(keys))
}

// Warm consumes keys in batches of the configured size, fetching up to the
// configured concurrency at once. Per-key failures are counted, not returned;
// only cancellation stops the run early.
func (w *Warmer) Warm(ctx context.Context, keys []string) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)
	record := func(outcome string) {
		mu.Lock()
		switch outcome {
		case ResultHit:
			res.Hit++
		case ResultLoaded:
			res.Loaded++
		case ResultMissing:
			res.Missing++
		default:
			res.Failed++
		}
		mu.Unlock()
		if w.metrics != nil {
			w.metrics.IncrementWarmed(outcome)
		}
	}

	for batch := range slices.Chunk(keys, w.batchSize) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.concurrency)
		for _, key := range batch {
			g.Go(func() error {
				record(w.warmOne(gctx, key))
				return nil
			})
		}
		_ = g.Wait()
	}
	return res, ctx.Err()
}

func (w *Warmer) warmOne(ctx context.Context, key string) string {
	_, err := w.cache.GetEntry(ctx, key)
	switch {
	case err == nil:
		return ResultHit
	case !errors.Is(err, sentinel.ErrNotFound):
		w.logger.DebugContext(ctx, "warm lookup failed", "key", key, "error", err)
		return ResultError
	}
	if w.loader == nil {
		return ResultMissing
	}

	value, ttl, err := w.loader.Load(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return ResultMissing
	}
	if err != nil {
		w.logger.DebugContext(ctx, "warm load failed", "key", key, "error", err)
		return ResultError
	}
	if err := w.cache.Set(ctx, key, value, ttl); err != nil {
		w.logger.DebugContext(ctx, "warm store failed", "key", key, "error", err)
		return ResultError
	}
	return ResultLoaded
}
