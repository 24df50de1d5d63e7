// Package breaker guards each upstream service with its own circuit breaker.
package breaker

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	dErrors "bastion/pkg/domain-errors"
)

// Settings configures every per-service breaker.
type Settings struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again; it is
	// also the number of trial requests admitted while half-open.
	SuccessThreshold uint32
	// Timeout is how long an open breaker rejects before going half-open.
	Timeout time.Duration
}

// Snapshot is the externally visible state of one breaker.
type Snapshot struct {
	Service              string    `json:"service"`
	State                string    `json:"state"`
	Requests             uint32    `json:"requests"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	LastFailure          time.Time `json:"last_failure,omitzero"`
	NextAttempt          time.Time `json:"next_attempt,omitzero"`
}

// StateObserver is told about every state change, typically gateway metrics.
type StateObserver interface {
	ObserveBreakerState(service string, state string)
}

type entry struct {
	cb *gobreaker.TwoStepCircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
	nextAttempt time.Time
}

// Group holds one breaker per service, created on first use.
type Group struct {
	settings Settings
	logger   *slog.Logger
	observer StateObserver
	now      func() time.Time

	mu       sync.RWMutex
	breakers map[string]*entry
}

type Option func(*Group)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) { g.logger = logger }
}

func WithObserver(o StateObserver) Option {
	return func(g *Group) { g.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(g *Group) { g.now = now }
}

func New(settings Settings, opts ...Option) (*Group, error) {
	if settings.FailureThreshold == 0 || settings.SuccessThreshold == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "breaker thresholds must be positive")
	}
	if settings.Timeout <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "breaker timeout must be positive")
	}
	g := &Group{
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
		breakers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Outcome is what one admitted request tells its breaker.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Ignored requests prove nothing about the upstream, such as a client
	// that went away mid-call.
	Ignored
)

// Allow admits one request to service. The returned done func must be called
// exactly once with the outcome. A rejected request gets a circuit_open
// error carrying the time left until the next attempt.
//
// An Ignored outcome leaves a closed breaker's counts untouched. A half-open
// breaker must get an answer for each trial slot, so an ignored trial counts
// as a failed one and the breaker retries after its timeout.
func (g *Group) Allow(service string) (func(Outcome), error) {
	e := g.get(service)
	done, err := e.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.mu.Lock()
			wait := e.nextAttempt.Sub(g.now())
			e.mu.Unlock()
			derr := dErrors.Newf(dErrors.CodeCircuitOpen, "circuit open for %s", service)
			if wait > 0 {
				derr = derr.WithRetryAfter(wait)
			}
			return nil, derr
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "circuit breaker")
	}
	return func(outcome Outcome) {
		switch outcome {
		case Success:
			done(true)
		case Ignored:
			if e.cb.State() == gobreaker.StateHalfOpen {
				done(false)
			}
		default:
			e.mu.Lock()
			e.lastFailure = g.now()
			e.mu.Unlock()
			done(false)
		}
	}, nil
}

// State reports the current state of service's breaker.
func (g *Group) State(service string) Snapshot {
	return g.snapshot(service, g.get(service))
}

// States reports every breaker created so far, ordered by service.
func (g *Group) States() []Snapshot {
	g.mu.RLock()
	names := slices.Sorted(maps.Keys(g.breakers))
	entries := make([]*entry, len(names))
	for i, n := range names {
		entries[i] = g.breakers[n]
	}
	g.mu.RUnlock()

	out := make([]Snapshot, len(names))
	for i, n := range names {
		out[i] = g.snapshot(n, entries[i])
	}
	return out
}

func (g *Group) snapshot(service string, e *entry) Snapshot {
	state := e.cb.State()
	counts := e.cb.Counts()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Service:              service,
		State:                stateName(state),
		Requests:             counts.Requests,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalFailures:        counts.TotalFailures,
		LastFailure:          e.lastFailure,
	}
	if state == gobreaker.StateOpen {
		s.NextAttempt = e.nextAttempt
	}
	return s
}

func (g *Group) get(service string) *entry {
	g.mu.RLock()
	e, ok := g.breakers[service]
	g.mu.RUnlock()
	if ok {
		return e
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.breakers[service]; ok {
		return e
	}
	e = &entry{}
	threshold := g.settings.FailureThreshold
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: g.settings.SuccessThreshold,
		Timeout:     g.settings.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				e.mu.Lock()
				e.nextAttempt = g.now().Add(g.settings.Timeout)
				e.mu.Unlock()
			}
			g.logger.Warn("circuit breaker state changed",
				"service", name,
				"from", stateName(from),
				"to", stateName(to),
			)
			if g.observer != nil {
				g.observer.ObserveBreakerState(name, stateName(to))
			}
		},
	})
	g.breakers[service] = e
	return e
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
