package waf

import "bastion/internal/security/models"

// Action is what a signature asks for when it fires on its own.
type Action string

const (
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

func (a Action) rank() int {
	switch a {
	case ActionBlock:
		return 2
	case ActionChallenge:
		return 1
	default:
		return 0
	}
}

// Signature is one detection rule. An empty Locations list inspects every
// part of the request.
type Signature struct {
	ID          string
	Category    models.Category
	Severity    models.Severity
	Confidence  float64
	Action      Action
	Pattern     string
	Locations   []models.Location
	Description string
}

var bodyAndQuery = []models.Location{models.LocationQuery, models.LocationBody, models.LocationPath}

// DefaultSignatures is the built-in OWASP-oriented rule set.
func DefaultSignatures() []Signature {
	return []Signature{
		// SQL injection
		{
			ID: "sqli.tautology", Category: models.CategorySQLInjection, Severity: models.SeverityHigh,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)'\s*(or|and)\s+'?\w*'?\s*(=|like\b)\s*'?`,
			Description: "boolean tautology such as ' OR '1'='1",
		},
		{
			ID: "sqli.union", Category: models.CategorySQLInjection, Severity: models.SeverityCritical,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)\bunion\b[\s/*+]+(all[\s/*+]+)?select\b`,
			Description: "UNION SELECT data extraction",
		},
		{
			ID: "sqli.stacked", Category: models.CategorySQLInjection, Severity: models.SeverityCritical,
			Confidence: 0.85, Action: ActionBlock,
			Pattern:     `(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec)\s+\w`,
			Description: "stacked query",
		},
		{
			ID: "sqli.timing", Category: models.CategorySQLInjection, Severity: models.SeverityHigh,
			Confidence: 0.8, Action: ActionBlock,
			Pattern:     `(?i)\b(sleep|benchmark|pg_sleep)\s*\(\s*\d|\bwaitfor\s+delay\b`,
			Description: "time-based blind injection",
		},
		{
			ID: "sqli.comment", Category: models.CategorySQLInjection, Severity: models.SeverityMedium,
			Confidence: 0.6, Action: ActionChallenge,
			Pattern:     `['"]\s*(--|#|/\*)`,
			Locations:   bodyAndQuery,
			Description: "quote followed by a comment terminator",
		},

		// Cross-site scripting
		{
			ID: "xss.script", Category: models.CategoryXSS, Severity: models.SeverityHigh,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)<\s*/?\s*script\b`,
			Description: "script tag",
		},
		{
			ID: "xss.handler", Category: models.CategoryXSS, Severity: models.SeverityMedium,
			Confidence: 0.7, Action: ActionChallenge,
			Pattern:     `(?i)\bon(error|load|click|mouseover|focus|blur|submit|toggle)\s*=`,
			Description: "inline event handler",
		},
		{
			ID: "xss.uri", Category: models.CategoryXSS, Severity: models.SeverityMedium,
			Confidence: 0.7, Action: ActionChallenge,
			Pattern:     `(?i)\b(javascript|vbscript)\s*:|\bdata\s*:\s*text/html`,
			Description: "script URI scheme",
		},
		{
			ID: "xss.embed", Category: models.CategoryXSS, Severity: models.SeverityMedium,
			Confidence: 0.6, Action: ActionChallenge,
			Pattern:     `(?i)<\s*(iframe|object|embed|svg|img)\b[^>]*\b(src|on\w+)\s*=`,
			Description: "active content tag",
		},

		// Path traversal
		{
			ID: "traversal.dotdot", Category: models.CategoryPathTraversal, Severity: models.SeverityHigh,
			Confidence: 0.8, Action: ActionBlock,
			Pattern:     `(?i)\.\.[/\\]|%2e%2e(%2f|%5c|/|\\)|\.\.%2f|\.\.%5c`,
			Description: "parent directory sequence",
		},
		{
			ID: "traversal.sensitive", Category: models.CategoryPathTraversal, Severity: models.SeverityCritical,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)/etc/(passwd|shadow|hosts)\b|\b(win|boot)\.ini\b|/proc/self/`,
			Description: "well-known sensitive file",
		},

		// Command injection
		{
			ID: "cmd.chain", Category: models.CategoryCommandInjection, Severity: models.SeverityHigh,
			Confidence: 0.8, Action: ActionBlock,
			Pattern:     "(?i)(;|&&|\\|\\||\\||`)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|powershell|cmd(\\.exe)?)\\b",
			Locations:   bodyAndQuery,
			Description: "shell command chained onto input",
		},
		{
			ID: "cmd.subshell", Category: models.CategoryCommandInjection, Severity: models.SeverityMedium,
			Confidence: 0.6, Action: ActionChallenge,
			Pattern:     "\\$\\([^)]+\\)|`[^`]+`",
			Locations:   bodyAndQuery,
			Description: "command substitution",
		},

		// File inclusion
		{
			ID: "lfi.wrapper", Category: models.CategoryFileInclusion, Severity: models.SeverityHigh,
			Confidence: 0.8, Action: ActionBlock,
			Pattern:     `(?i)\b(php|zip|phar|expect|glob|data)://`,
			Description: "stream wrapper inclusion",
		},
		{
			ID: "rfi.remote", Category: models.CategoryFileInclusion, Severity: models.SeverityMedium,
			Confidence: 0.6, Action: ActionChallenge,
			Pattern:     `(?i)(https?|ftp)://[^\s&"']+\.(php|phtml|asp|aspx|jsp|txt)\?`,
			Locations:   bodyAndQuery,
			Description: "remote script inclusion",
		},

		// Server-side request forgery
		{
			ID: "ssrf.metadata", Category: models.CategorySSRF, Severity: models.SeverityCritical,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)169\.254\.169\.254|metadata\.google\.internal|100\.100\.100\.200`,
			Description: "cloud metadata endpoint",
		},
		{
			ID: "ssrf.loopback", Category: models.CategorySSRF, Severity: models.SeverityHigh,
			Confidence: 0.7, Action: ActionChallenge,
			Pattern:     `(?i)\b(https?|gopher|dict|ftp)://(localhost|127\.\d{1,3}\.\d{1,3}\.\d{1,3}|0\.0\.0\.0|\[::1?\])`,
			Locations:   bodyAndQuery,
			Description: "URL pointing at the local host",
		},

		// XML external entities
		{
			ID: "xxe.entity", Category: models.CategoryXXE, Severity: models.SeverityCritical,
			Confidence: 0.95, Action: ActionBlock,
			Pattern:     `(?i)<!ENTITY\s+%?\s*\S+\s+(SYSTEM|PUBLIC)\b`,
			Locations:   []models.Location{models.LocationBody},
			Description: "external entity declaration",
		},
		{
			ID: "xxe.doctype", Category: models.CategoryXXE, Severity: models.SeverityLow,
			Confidence: 0.5, Action: ActionMonitor,
			Pattern:     `(?i)<!DOCTYPE\s+\w+\s*\[`,
			Locations:   []models.Location{models.LocationBody},
			Description: "inline DTD",
		},

		// LDAP injection
		{
			ID: "ldap.filter", Category: models.CategoryLDAPInjection, Severity: models.SeverityHigh,
			Confidence: 0.7, Action: ActionChallenge,
			Pattern:     `\)\s*\(\s*[|&!]|\*\)\s*\(|\(\s*[|&]\s*\(\s*\w+\s*=`,
			Locations:   bodyAndQuery,
			Description: "LDAP filter metacharacters",
		},

		// Scanners
		{
			ID: "scanner.tools", Category: models.CategoryScanner, Severity: models.SeverityHigh,
			Confidence: 0.9, Action: ActionBlock,
			Pattern:     `(?i)\b(sqlmap|nikto|nmap|masscan|acunetix|wpscan|dirbuster|gobuster|nuclei|zgrab|havij|w3af)\b`,
			Locations:   []models.Location{models.LocationUserAgent},
			Description: "known vulnerability scanner",
		},
	}
}
