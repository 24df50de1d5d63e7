package models

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Severity of a triggered rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from Info (0) to Critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Category groups signatures by attack class.
type Category string

const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryCommandInjection Category = "command_injection"
	CategoryFileInclusion    Category = "file_inclusion"
	CategorySSRF             Category = "ssrf"
	CategoryXXE              Category = "xxe"
	CategoryLDAPInjection    Category = "ldap_injection"
	CategoryScanner          Category = "scanner"
)

// Label is the human readable category name used in block reasons.
func (c Category) Label() string {
	switch c {
	case CategorySQLInjection:
		return "SQL injection"
	case CategoryXSS:
		return "cross-site scripting"
	case CategoryPathTraversal:
		return "path traversal"
	case CategoryCommandInjection:
		return "command injection"
	case CategoryFileInclusion:
		return "file inclusion"
	case CategorySSRF:
		return "server-side request forgery"
	case CategoryXXE:
		return "XML external entity"
	case CategoryLDAPInjection:
		return "LDAP injection"
	case CategoryScanner:
		return "automated scanner"
	default:
		return string(c)
	}
}

// Kind is the decision variant.
type Kind string

const (
	KindAllow       Kind = "allow"
	KindBlock       Kind = "block"
	KindChallenge   Kind = "challenge"
	KindRateLimit   Kind = "rate_limit"
	KindRequireAuth Kind = "require_auth"
	KindMonitor     Kind = "monitor"
)

// Location is the part of the request a pattern matched in.
type Location string

const (
	LocationMethod    Location = "method"
	LocationPath      Location = "path"
	LocationQuery     Location = "query"
	LocationHeader    Location = "header"
	LocationCookie    Location = "cookie"
	LocationUserAgent Location = "user_agent"
	LocationReferer   Location = "referer"
	LocationBody      Location = "body"
)

// TriggeredRule records one rule that fired on a request.
type TriggeredRule struct {
	RuleID     string   `json:"rule_id"`
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Matched    string   `json:"matched"`
	Location   Location `json:"location"`
	Field      string   `json:"field,omitempty"` // query, header or cookie name
}

// Decision is the outcome of a security stage. Only the fields of its Kind
// are meaningful.
type Decision struct {
	Kind          Kind            `json:"kind"`
	Reason        string          `json:"reason,omitempty"`
	RuleID        string          `json:"rule_id,omitempty"`
	ChallengeType string          `json:"challenge_type,omitempty"`
	RetryAfter    time.Duration   `json:"-"`
	AuthMethods   []string        `json:"auth_methods,omitempty"`
	ThreatScore   float64         `json:"threat_score"`
	Triggered     []TriggeredRule `json:"triggered,omitempty"`
}

func Allow() Decision { return Decision{Kind: KindAllow} }

func Block(reason, ruleID string) Decision {
	return Decision{Kind: KindBlock, Reason: reason, RuleID: ruleID}
}

func Challenge(challengeType string) Decision {
	return Decision{Kind: KindChallenge, ChallengeType: challengeType}
}

func RateLimit(retryAfter time.Duration) Decision {
	return Decision{Kind: KindRateLimit, RetryAfter: retryAfter}
}

func RequireAuth(methods ...string) Decision {
	return Decision{Kind: KindRequireAuth, AuthMethods: methods}
}

func Monitor() Decision { return Decision{Kind: KindMonitor} }

// Passes reports whether the request may continue down the pipeline.
func (d Decision) Passes() bool {
	return d.Kind == KindAllow || d.Kind == KindMonitor
}

func (d Decision) String() string {
	switch d.Kind {
	case KindBlock:
		return fmt.Sprintf("block(%s, rule=%s)", d.Reason, d.RuleID)
	case KindChallenge:
		return fmt.Sprintf("challenge(%s)", d.ChallengeType)
	case KindRateLimit:
		return fmt.Sprintf("rate_limit(retry_after=%s)", d.RetryAfter)
	case KindRequireAuth:
		return fmt.Sprintf("require_auth(%s)", strings.Join(d.AuthMethods, ","))
	default:
		return string(d.Kind)
	}
}

// QueryParam is one query parameter in request order.
type QueryParam struct {
	Name  string
	Value string
}

// Request is the view of an HTTP request the security stages inspect.
type Request struct {
	Method    string
	Path      string
	Query     []QueryParam
	Headers   http.Header
	Cookies   []*http.Cookie
	Body      []byte
	ClientIP  string
	UserAgent string
	Referer   string
	Timestamp time.Time
	Size      int64
	Principal string
	Session   string
	Metadata  map[string]string
}

// FromHTTP snapshots r. Up to maxBody bytes of the body are read and r.Body is
// replaced so the handler still sees the full payload.
func FromHTTP(r *http.Request, clientIP string, now time.Time, maxBody int64) (*Request, error) {
	req := &Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     parseQuery(r.URL.RawQuery),
		Headers:   r.Header.Clone(),
		Cookies:   r.Cookies(),
		ClientIP:  clientIP,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Timestamp: now,
	}
	if r.Body != nil && r.Body != http.NoBody && maxBody > 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			return nil, err
		}
		req.Body = body
		r.Body = readCloser{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	}
	req.Size = int64(len(req.Body)) + headerBytes(r.Header)
	return req, nil
}

// parseQuery keeps parameters in their original order, which url.Values
// does not.
func parseQuery(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	var out []QueryParam
	for part := range strings.SplitSeq(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out = append(out, QueryParam{Name: unescape(name), Value: unescape(value)})
	}
	return out
}

func headerBytes(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

// HeaderValues returns every header value in sorted header-name order.
func (r *Request) HeaderValues() []string {
	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, k)
	}
	slices.Sort(names)
	var out []string
	for _, k := range names {
		out = append(out, r.Headers[k]...)
	}
	return out
}

type readCloser struct {
	io.Reader
	io.Closer
}

// unescape decodes a query component, falling back to the raw text so that
// malformed encodings are still inspected.
func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
