package waf

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"

	"github.com/mssola/useragent"

	"bastion/internal/security/models"
	dErrors "bastion/pkg/domain-errors"
)

const (
	// RuleIDBot fires for self-identified crawlers and bots.
	RuleIDBot = "scanner.bot"

	botConfidence = 0.3
	maxExcerpt    = 64
)

type compiled struct {
	Signature
	re        *regexp.Regexp
	locations map[models.Location]bool
}

func (c *compiled) inspects(loc models.Location) bool {
	return len(c.locations) == 0 || c.locations[loc]
}

// Scanner evaluates requests against a signature set compiled once at
// construction. It is safe for concurrent use.
type Scanner struct {
	rules               []*compiled
	confidenceThreshold float64
	threatThreshold     float64
	detectBots          bool
	logger              *slog.Logger
}

type Option func(*Scanner)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// WithThresholds sets the minimum confidence for a rule to fire and the
// aggregate score that forces a block.
func WithThresholds(confidence, threat float64) Option {
	return func(s *Scanner) {
		s.confidenceThreshold = confidence
		s.threatThreshold = threat
	}
}

// WithBotDetection toggles the user-agent based crawler rule.
func WithBotDetection(enabled bool) Option {
	return func(s *Scanner) { s.detectBots = enabled }
}

// New compiles sigs, skipping any whose ID is in disabled. An invalid pattern
// or threshold fails construction.
func New(sigs []Signature, disabled []string, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		confidenceThreshold: 0.5,
		threatThreshold:     0.7,
		detectBots:          true,
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.confidenceThreshold < 0 || s.confidenceThreshold > 1 || s.threatThreshold < 0 || s.threatThreshold > 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "waf thresholds must be within [0, 1]")
	}
	if slices.Contains(disabled, RuleIDBot) {
		s.detectBots = false
	}

	seen := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if slices.Contains(disabled, sig.ID) {
			continue
		}
		if sig.ID == "" || seen[sig.ID] {
			return nil, dErrors.Newf(dErrors.CodeValidation, "waf signature id %q is empty or duplicated", sig.ID)
		}
		seen[sig.ID] = true
		if sig.Confidence < 0 || sig.Confidence > 1 {
			return nil, dErrors.Newf(dErrors.CodeValidation, "waf signature %s: confidence out of range", sig.ID)
		}
		re, err := regexp.Compile(sig.Pattern)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("waf signature %s: invalid pattern", sig.ID))
		}
		c := &compiled{Signature: sig, re: re}
		if len(sig.Locations) > 0 {
			c.locations = make(map[models.Location]bool, len(sig.Locations))
			for _, loc := range sig.Locations {
				c.locations[loc] = true
			}
		}
		s.rules = append(s.rules, c)
	}
	return s, nil
}

// Rules returns the IDs of the enabled signatures.
func (s *Scanner) Rules() []string {
	ids := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		ids = append(ids, r.ID)
	}
	return ids
}

type field struct {
	loc   models.Location
	name  string
	value string
}

func inputs(req *models.Request) []field {
	out := []field{
		{loc: models.LocationMethod, value: req.Method},
		{loc: models.LocationPath, value: req.Path},
	}
	for _, q := range req.Query {
		out = append(out, field{loc: models.LocationQuery, name: q.Name, value: q.Name + "=" + q.Value})
	}
	names := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		switch k {
		case "Cookie", "User-Agent", "Referer":
			continue
		}
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		for _, v := range req.Headers[k] {
			out = append(out, field{loc: models.LocationHeader, name: k, value: v})
		}
	}
	for _, c := range req.Cookies {
		out = append(out, field{loc: models.LocationCookie, name: c.Name, value: c.Value})
	}
	if req.UserAgent != "" {
		out = append(out, field{loc: models.LocationUserAgent, value: req.UserAgent})
	}
	if req.Referer != "" {
		out = append(out, field{loc: models.LocationReferer, value: req.Referer})
	}
	if len(req.Body) > 0 {
		body := string(req.Body)
		out = append(out, field{loc: models.LocationBody, value: body})
		if decoded, err := url.QueryUnescape(body); err == nil && decoded != body {
			out = append(out, field{loc: models.LocationBody, value: decoded})
		}
	}
	return out
}

// Scan evaluates every enabled rule against req. Each rule contributes at
// most once, at its first matching location.
func (s *Scanner) Scan(req *models.Request) models.Decision {
	fields := inputs(req)

	var (
		fired    []models.TriggeredRule
		strength []Action
	)
	for _, r := range s.rules {
		if r.Confidence < s.confidenceThreshold {
			continue
		}
		for _, f := range fields {
			if !r.inspects(f.loc) {
				continue
			}
			span := r.re.FindStringIndex(f.value)
			if span == nil {
				continue
			}
			fired = append(fired, models.TriggeredRule{
				RuleID:     r.ID,
				Category:   r.Category,
				Severity:   r.Severity,
				Confidence: r.Confidence,
				Matched:    excerpt(f.value[span[0]:span[1]]),
				Location:   f.loc,
				Field:      f.name,
			})
			strength = append(strength, r.Action)
			break
		}
	}

	if s.detectBots && botConfidence >= s.confidenceThreshold && req.UserAgent != "" {
		if ua := useragent.New(req.UserAgent); ua.Bot() {
			name, _ := ua.Browser()
			fired = append(fired, models.TriggeredRule{
				RuleID:     RuleIDBot,
				Category:   models.CategoryScanner,
				Severity:   models.SeverityInfo,
				Confidence: botConfidence,
				Matched:    excerpt(name),
				Location:   models.LocationUserAgent,
			})
			strength = append(strength, ActionMonitor)
		}
	}

	return s.decide(fired, strength)
}

func (s *Scanner) decide(fired []models.TriggeredRule, strength []Action) models.Decision {
	if len(fired) == 0 {
		return models.Allow()
	}
	score := Score(fired)

	// Strongest rule: highest action, then severity, then confidence.
	top := 0
	for i := 1; i < len(fired); i++ {
		if stronger(strength[i], fired[i], strength[top], fired[top]) {
			top = i
		}
	}
	lead := fired[top]

	var d models.Decision
	switch {
	case score >= s.threatThreshold:
		d = models.Block(lead.Category.Label()+" detected", lead.RuleID)
	case strength[top] == ActionBlock:
		d = models.Block(lead.Category.Label()+" detected", lead.RuleID)
	case strength[top] == ActionChallenge:
		d = models.Challenge("captcha")
		d.Reason = "suspected " + lead.Category.Label()
		d.RuleID = lead.RuleID
	default:
		d = models.Monitor()
		d.Reason = "suspected " + lead.Category.Label()
		d.RuleID = lead.RuleID
	}
	d.ThreatScore = score
	d.Triggered = fired
	return d
}

func stronger(a Action, ra models.TriggeredRule, b Action, rb models.TriggeredRule) bool {
	if a.rank() != b.rank() {
		return a.rank() > b.rank()
	}
	if ra.Severity.Rank() != rb.Severity.Rank() {
		return ra.Severity.Rank() > rb.Severity.Rank()
	}
	return ra.Confidence > rb.Confidence
}

// Score aggregates independent rule confidences as 1 − Π(1 − cᵢ). Adding a
// rule never lowers the score.
func Score(fired []models.TriggeredRule) float64 {
	miss := 1.0
	for _, r := range fired {
		miss *= 1 - r.Confidence
	}
	return 1 - miss
}

func excerpt(s string) string {
	if len(s) <= maxExcerpt {
		return s
	}
	return s[:maxExcerpt]
}
