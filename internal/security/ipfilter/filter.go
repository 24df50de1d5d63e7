package ipfilter

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"bastion/internal/security/models"
)

const (
	RuleIDAllowList = "ip_filter.allow_list"
	RuleIDBadAddr   = "ip_filter.invalid_address"
)

// Filter evaluates client addresses against in-memory allow and block lists.
// Rules keep insertion order; the first matching block rule names the block.
type Filter struct {
	mu      sync.RWMutex
	rules   []Rule
	enabled bool
	now     func() time.Time
}

type FilterOption func(*Filter)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) FilterOption {
	return func(f *Filter) { f.now = now }
}

// NewFilter builds a filter. A disabled filter allows every request.
func NewFilter(enabled bool, opts ...FilterOption) *Filter {
	f := &Filter{enabled: enabled, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check decides whether ip may proceed: with any active allow rule, only
// matching addresses pass; then any active block rule match blocks.
func (f *Filter) Check(ip string) models.Decision {
	if !f.enabled {
		return models.Allow()
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return models.Block("unparseable client address", RuleIDBadAddr)
	}
	addr = addr.Unmap()
	now := f.now()

	f.mu.RLock()
	defer f.mu.RUnlock()

	var haveAllow, allowed bool
	for _, r := range f.rules {
		if r.Kind != KindAllow || !r.Active(now) {
			continue
		}
		haveAllow = true
		if r.Matches(addr) {
			allowed = true
			break
		}
	}
	if haveAllow && !allowed {
		return models.Block("client address is not in the allow list", RuleIDAllowList)
	}

	for _, r := range f.rules {
		if r.Kind == KindBlock && r.Active(now) && r.Matches(addr) {
			reason := r.Reason
			if reason == "" {
				reason = "client address is in the block list"
			}
			return models.Block(reason, r.ID)
		}
	}
	return models.Allow()
}

// Add appends rule, replacing any rule with the same ID.
func (f *Filter) Add(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.IndexFunc(f.rules, func(r Rule) bool { return r.ID == rule.ID }); i >= 0 {
		f.rules[i] = rule
		return
	}
	f.rules = append(f.rules, rule)
}

// Remove deletes the rule with id and reports whether it existed.
func (f *Filter) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.rules)
	f.rules = slices.DeleteFunc(f.rules, func(r Rule) bool { return r.ID == id })
	return len(f.rules) != n
}

// Replace swaps the whole rule set.
func (f *Filter) Replace(rules []Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = slices.Clone(rules)
}

// Rules returns a copy of every rule, expired ones included.
func (f *Filter) Rules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.rules)
}

// Get returns the rule with id.
func (f *Filter) Get(id string) (Rule, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i := slices.IndexFunc(f.rules, func(r Rule) bool { return r.ID == id })
	if i < 0 {
		return Rule{}, false
	}
	return f.rules[i], true
}

// Prune drops rules that expired at or before now and returns how many.
func (f *Filter) Prune(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.rules)
	f.rules = slices.DeleteFunc(f.rules, func(r Rule) bool { return !r.Active(now) })
	return n - len(f.rules)
}

// Count returns active rules of kind.
func (f *Filter) Count(kind Kind) int {
	now := f.now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, r := range f.rules {
		if r.Kind == kind && r.Active(now) {
			n++
		}
	}
	return n
}

func (f *Filter) Enabled() bool { return f.enabled }
