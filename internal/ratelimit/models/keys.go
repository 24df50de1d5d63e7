package models

import "strings"

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// to prevent key collision attacks where user-controlled identifiers containing
// ':' could manipulate adjacent rate limit buckets.
//
// Example: An identifier "user:admin" would become "user_admin", preventing
// it from being interpreted as a separate key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// NewClientKey is the bucket key for the default per-client limit.
func NewClientKey(client string) string {
	return "client:" + SanitizeKeySegment(client)
}

// NewEndpointKey is the bucket key for an override, scoped by client address
// or user id.
func NewEndpointKey(scope Scope, subject string, o Override) string {
	method := o.Method
	if method == "" {
		method = "*"
	}
	return string(scope) + ":" + SanitizeKeySegment(subject) + ":" +
		SanitizeKeySegment(strings.ToUpper(method)) + ":" + SanitizeKeySegment(o.Path)
}
