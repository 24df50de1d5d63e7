package service

import "time"

// MinAdaptiveTTL is the floor applied to adapted TTLs.
const MinAdaptiveTTL = time.Minute

// AdaptiveTTL scales base by how often and how recently the key was read.
// Frequency: fewer than 10 accesses 1.0, fewer than 100 1.5, otherwise 2.0.
// Recency: under an hour 1.0, under a day 0.8, otherwise 0.5. The result is
// never below max(MinAdaptiveTTL, base). A zero base means no expiry and is
// returned unchanged.
func AdaptiveTTL(base time.Duration, accessCount int64, sinceAccess time.Duration) time.Duration {
	if base <= 0 {
		return base
	}

	freq := 1.0
	switch {
	case accessCount >= 100:
		freq = 2.0
	case accessCount >= 10:
		freq = 1.5
	}

	rec := 1.0
	switch {
	case sinceAccess >= 24*time.Hour:
		rec = 0.5
	case sinceAccess >= time.Hour:
		rec = 0.8
	}

	adapted := time.Duration(float64(base) * freq * rec)
	return max(adapted, MinAdaptiveTTL, base)
}
