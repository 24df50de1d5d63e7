package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveTTL(t *testing.T) {
	cases := []struct {
		name        string
		base        time.Duration
		accesses    int64
		sinceAccess time.Duration
		want        time.Duration
	}{
		{"no expiry stays no expiry", 0, 500, 0, 0},
		{"cold and recent keeps base", 10 * time.Minute, 3, time.Minute, 10 * time.Minute},
		{"moderate and recent", 10 * time.Minute, 50, time.Minute, 15 * time.Minute},
		{"hot and recent", 10 * time.Minute, 100, time.Minute, 20 * time.Minute},
		{"hot but hour stale", 10 * time.Minute, 500, 2 * time.Hour, 16 * time.Minute},
		{"hot but day stale", 10 * time.Minute, 500, 48 * time.Hour, 10 * time.Minute},
		{"stale never shortens below base", 10 * time.Minute, 0, 48 * time.Hour, 10 * time.Minute},
		{"short base is raised to a minute", 5 * time.Second, 0, 0, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AdaptiveTTL(tc.base, tc.accesses, tc.sinceAccess))
		})
	}
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint([]byte("payload"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte("payload")))
	assert.NotEqual(t, a, Fingerprint([]byte("payload!")))
}
