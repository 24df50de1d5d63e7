package models

import (
	"math"
	"strings"
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Limit admits Rate requests per Per, with bursts of up to Burst requests.
type Limit struct {
	Rate  float64
	Per   time.Duration
	Burst int
}

// NewLimit validates and returns a Limit.
func NewLimit(rate float64, per time.Duration, burst int) (Limit, error) {
	l := Limit{Rate: rate, Per: per, Burst: burst}
	return l, l.Validate()
}

func (l Limit) Validate() error {
	if l.Rate <= 0 || math.IsNaN(l.Rate) || math.IsInf(l.Rate, 0) {
		return dErrors.New(dErrors.CodeValidation, "rate must be positive")
	}
	if l.Per <= 0 {
		return dErrors.New(dErrors.CodeValidation, "per must be positive")
	}
	if l.Burst < 1 {
		return dErrors.New(dErrors.CodeValidation, "burst must be at least 1")
	}
	return nil
}

// RefillPerSecond is the token refill rate.
func (l Limit) RefillPerSecond() float64 {
	return l.Rate / l.Per.Seconds()
}

// Capacity is the bucket size.
func (l Limit) Capacity() float64 { return float64(l.Burst) }

// Scope says which bucket produced a result.
type Scope string

const (
	ScopeClient   Scope = "client"
	ScopeEndpoint Scope = "endpoint"
	ScopeUser     Scope = "user"
)

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // only set when not allowed
	Scope      Scope         `json:"scope,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"` // answered by the in-memory fallback
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the Retry-After
// header. A denied result always reports at least one second.
func (r *RateLimitResult) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		if r.Allowed {
			return 0
		}
		return 1
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// MoreRestrictive returns whichever of a and b should win: a denial beats an
// allow, a longer wait beats a shorter one, fewer remaining tokens beat more.
func MoreRestrictive(a, b *RateLimitResult) *RateLimitResult {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Allowed != b.Allowed:
		if !a.Allowed {
			return a
		}
		return b
	case !a.Allowed:
		if b.RetryAfter > a.RetryAfter {
			return b
		}
		return a
	case b.Remaining < a.Remaining:
		return b
	default:
		return a
	}
}

// Override applies an additional limit to requests matching Method and Path.
// An empty Method or "*" matches any method. Path is a literal prefix that may
// contain '*' wildcards matching any run of characters. PerUser keys the
// bucket by authenticated user when one is present.
type Override struct {
	Method  string
	Path    string
	PerUser bool
	Limit   Limit
}

// Validate checks the override's shape.
func (o Override) Validate() error {
	if o.Path == "" || !strings.HasPrefix(o.Path, "/") {
		return dErrors.New(dErrors.CodeValidation, "override path must start with /")
	}
	return o.Limit.Validate()
}

// Matches reports whether the override applies to method and path.
func (o Override) Matches(method, path string) bool {
	if o.Method != "" && o.Method != "*" && !strings.EqualFold(o.Method, method) {
		return false
	}
	return matchPrefix(o.Path, path)
}

// Specificity is the length of the pattern's literal part. Among matching
// overrides the most specific wins.
func (o Override) Specificity() int {
	return len(strings.ReplaceAll(o.Path, "*", ""))
}

// matchPrefix matches pattern against a prefix of path, with '*' matching any
// run of characters, including '/'.
func matchPrefix(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}
