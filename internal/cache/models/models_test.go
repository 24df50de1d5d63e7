package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntryExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	forever := &Entry{Key: "k"}
	assert.False(t, forever.IsExpired(now.Add(100*365*24*time.Hour)))
	_, ok := forever.RemainingTTL(now)
	assert.False(t, ok)

	e := &Entry{Key: "k", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, e.IsExpired(now))
	assert.True(t, e.IsExpired(now.Add(time.Minute)), "expiry instant is exclusive")
	remaining, ok := e.RemainingTTL(now.Add(15 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, 45*time.Second, remaining)

	remaining, _ = e.RemainingTTL(now.Add(time.Hour))
	assert.Zero(t, remaining)
}

func TestEntryClone(t *testing.T) {
	e := &Entry{Key: "k", Value: []byte{1, 2, 3}}
	c := e.Clone()
	c.Value[0] = 9
	assert.Equal(t, byte(1), e.Value[0])
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "", true},
		{"*", "anything:at/all", true},
		{"user:*", "user:42", true},
		{"user:*", "users:42", false},
		{"user:*:profile", "user:42:profile", true},
		{"user:*:profile", "user:42:settings", false},
		{"*:profile", "tenant:a:user:1:profile", true},
		{"risk:?", "risk:7", true},
		{"risk:?", "risk:77", false},
		{"case:[abc]*", "case:b-17", true},
		{"case:[abc]*", "case:d-17", false},
		{"case:[^abc]*", "case:d-17", true},
		{"case:[0-9]", "case:5", true},
		{"case:[0-9]", "case:x", false},
		{`lit\*`, "lit*", true},
		{`lit\*`, "lit-", false},
		{"open[", "open[", true},
		{"a*b*c", "a-x-b-y-c", true},
		{"a*b*c", "a-x-c-y-b", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.key), "%q ~ %q", tc.pattern, tc.key)
	}
}

func TestLiteralPrefix(t *testing.T) {
	assert.Equal(t, "user:", LiteralPrefix("user:*"))
	assert.Equal(t, "", LiteralPrefix("*"))
	assert.Equal(t, "plain", LiteralPrefix("plain"))
	assert.Equal(t, "case:", LiteralPrefix("case:[ab]"))
}
