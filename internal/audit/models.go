package audit

import "time"

// Action names a security-relevant decision.
type Action string

const (
	ActionIPBlocked     Action = "ip_blocked"
	ActionRateLimited   Action = "rate_limit_exceeded"
	ActionWAFBlocked    Action = "waf_blocked"
	ActionWAFChallenged Action = "waf_challenged"
	ActionWAFMonitored  Action = "waf_monitored"
	ActionAuthFailed    Action = "auth_failed"
	ActionIPRuleAdded   Action = "ip_rule_added"
	ActionIPRuleRemoved Action = "ip_rule_removed"
	ActionCircuitOpened Action = "circuit_opened"
)

// Severity levels for security events, used for SIEM routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event captures one security decision. IP is already anonymized.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`
	IP        string    `json:"ip,omitempty"`
	Subject   string    `json:"subject,omitempty"` // user or service involved
	Reason    string    `json:"reason,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// PartitionKey keeps events about one client on one partition.
func (e Event) PartitionKey() string {
	if e.IP != "" {
		return e.IP
	}
	return e.Subject
}
