package ipfilter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bastion/internal/audit"
	"bastion/internal/security/metrics"
	"bastion/internal/security/models"
	dErrors "bastion/pkg/domain-errors"
)

// Store persists rules added at runtime.
type Store interface {
	Save(ctx context.Context, rule Rule) error
	Delete(ctx context.Context, ids ...string) (int64, error)
	List(ctx context.Context, now time.Time) ([]Rule, error)
	RemoveExpiredAt(ctx context.Context, now time.Time) (int64, error)
}

// AddRuleRequest describes a rule added through the admin API. A positive
// TTL makes the rule temporary.
type AddRuleRequest struct {
	Kind   Kind          `json:"kind"`
	CIDR   string        `json:"cidr"`
	Reason string        `json:"reason"`
	TTL    time.Duration `json:"-"`
}

// Service owns the filter and keeps it in sync with the optional store.
type Service struct {
	filter  *Filter
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Emitter
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStore persists rules added at runtime.
func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

func WithAudit(e audit.Emitter) Option {
	return func(s *Service) { s.audit = e }
}

func WithServiceClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(filter *Filter, opts ...Option) *Service {
	s := &Service{
		filter: filter,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed installs the statically configured lists. Config rules are never
// persisted.
func (s *Service) Seed(allowList, blockList []string) error {
	now := s.now()
	lists := []struct {
		kind    Kind
		entries []string
	}{{KindAllow, allowList}, {KindBlock, blockList}}
	for _, list := range lists {
		kind := list.kind
		for _, entry := range list.entries {
			prefix, err := ParsePrefix(entry)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeValidation, "ip filter "+string(kind)+" list entry "+entry)
			}
			s.filter.Add(Rule{
				ID:        "config:" + string(kind) + ":" + prefix.String(),
				Kind:      kind,
				Prefix:    prefix,
				Reason:    "configured " + string(kind) + " list",
				CreatedAt: now,
			})
		}
	}
	s.refreshGauges()
	return nil
}

// Load merges persisted rules into the filter.
func (s *Service) Load(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	rules, err := s.store.List(ctx, s.now())
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "loading ip rules")
	}
	for _, r := range rules {
		s.filter.Add(r)
	}
	s.refreshGauges()
	return len(rules), nil
}

// Check evaluates ip and counts blocks.
func (s *Service) Check(ip string) models.Decision {
	d := s.filter.Check(ip)
	if d.Kind == models.KindBlock {
		s.metrics.IncrementIPBlocked()
	}
	return d
}

func (s *Service) Rules() []Rule { return s.filter.Rules() }

func (s *Service) Enabled() bool { return s.filter.Enabled() }

// AddRule validates, persists and activates a rule.
func (s *Service) AddRule(ctx context.Context, req AddRuleRequest) (Rule, error) {
	prefix, err := ParsePrefix(req.CIDR)
	if err != nil {
		return Rule{}, err
	}
	if req.TTL < 0 {
		return Rule{}, dErrors.New(dErrors.CodeValidation, "ttl must not be negative")
	}
	now := s.now()
	rule := Rule{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Prefix:    prefix,
		Reason:    req.Reason,
		CreatedAt: now,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		rule.ExpiresAt = &expires
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	if s.store != nil {
		if err := s.store.Save(ctx, rule); err != nil {
			return Rule{}, dErrors.Wrap(err, dErrors.CodeInternal, "persisting ip rule")
		}
	}
	s.filter.Add(rule)
	s.refreshGauges()

	s.logger.InfoContext(ctx, "ip rule added",
		"rule_id", rule.ID,
		"kind", string(rule.Kind),
		"cidr", rule.Prefix.String(),
		"temporary", rule.ExpiresAt != nil,
	)
	audit.LogAudit(ctx, s.audit, audit.Event{
		Action:   audit.ActionIPRuleAdded,
		Severity: audit.SeverityInfo,
		RuleID:   rule.ID,
		Reason:   string(rule.Kind) + " " + rule.Prefix.String(),
	})
	return rule, nil
}

// RemoveRule deletes a rule from the filter and the store.
func (s *Service) RemoveRule(ctx context.Context, id string) error {
	removed := s.filter.Remove(id)
	if s.store != nil {
		n, err := s.store.Delete(ctx, id)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "deleting ip rule")
		}
		removed = removed || n > 0
	}
	if !removed {
		return dErrors.Newf(dErrors.CodeNotFound, "ip rule %s not found", id)
	}
	s.refreshGauges()
	audit.LogAudit(ctx, s.audit, audit.Event{
		Action:   audit.ActionIPRuleRemoved,
		Severity: audit.SeverityInfo,
		RuleID:   id,
	})
	return nil
}

// Prune drops expired rules from memory and the store.
func (s *Service) Prune(ctx context.Context) error {
	now := s.now()
	dropped := s.filter.Prune(now)
	var purged int64
	if s.store != nil {
		var err error
		if purged, err = s.store.RemoveExpiredAt(ctx, now); err != nil {
			return err
		}
	}
	if dropped > 0 || purged > 0 {
		s.logger.DebugContext(ctx, "pruned expired ip rules", "memory", dropped, "store", purged)
		s.refreshGauges()
	}
	return nil
}

// StartCleanup prunes expired rules every interval until ctx is cancelled.
func (s *Service) StartCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.logger.WarnContext(ctx, "ip rule cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) refreshGauges() {
	s.metrics.SetIPRules(string(KindAllow), s.filter.Count(KindAllow))
	s.metrics.SetIPRules(string(KindBlock), s.filter.Count(KindBlock))
}
