package models

import (
	"time"

	"bastion/internal/codec"
)

// Level identifies a cache tier. Lower levels are faster and smaller.
type Level int

const (
	L1 Level = 1
	L2 Level = 2
	L3 Level = 3
)

func (l Level) String() string {
	switch l {
	case L1:
		return "l1"
	case L2:
		return "l2"
	case L3:
		return "l3"
	default:
		return "unknown"
	}
}

// Entry is a stored payload plus its metadata. Value holds the framed
// (possibly compressed) serialized bytes exactly as produced by the codec.
type Entry struct {
	Key          string            `json:"key"`
	Value        []byte            `json:"value"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccess   time.Time         `json:"last_access"`
	AccessCount  int64             `json:"access_count"`
	ExpiresAt    time.Time         `json:"expires_at"` // zero means never
	Origin       Level             `json:"origin"`
	Format       codec.Format      `json:"format"`
	Compression  codec.Compression `json:"compression"`
	OriginalSize int               `json:"original_size"`
	StoredSize   int               `json:"stored_size"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	Version      uint64            `json:"version"`
}

// HasExpiry reports whether the entry carries a TTL.
func (e *Entry) HasExpiry() bool {
	return !e.ExpiresAt.IsZero()
}

// IsExpired reports whether the entry's TTL has elapsed at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.HasExpiry() && !now.Before(e.ExpiresAt)
}

// RemainingTTL returns the time left before expiry. Entries without expiry
// return 0 and false.
func (e *Entry) RemainingTTL(now time.Time) (time.Duration, bool) {
	if !e.HasExpiry() {
		return 0, false
	}
	return max(e.ExpiresAt.Sub(now), 0), true
}

// Clone returns a deep copy, so tiers never share a Value slice.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// EvictionPolicy selects the L1 victim when capacity is exceeded.
type EvictionPolicy string

const (
	EvictLRU    EvictionPolicy = "lru"
	EvictLFU    EvictionPolicy = "lfu"
	EvictFIFO   EvictionPolicy = "fifo"
	EvictRandom EvictionPolicy = "random"
	EvictTTL    EvictionPolicy = "ttl"
)

// IsValid checks the policy is supported.
func (p EvictionPolicy) IsValid() bool {
	switch p {
	case EvictLRU, EvictLFU, EvictFIFO, EvictRandom, EvictTTL:
		return true
	}
	return false
}

// WritePolicy controls how writes reach the slower tiers.
type WritePolicy string

const (
	WriteThrough WritePolicy = "write_through"
	WriteBehind  WritePolicy = "write_behind"
)

// OverflowPolicy controls what a full bounded queue does with new work.
type OverflowPolicy string

const (
	OverflowBlock    OverflowPolicy = "block"
	OverflowFailFast OverflowPolicy = "fail_fast"
)

// EvictionReason explains why an entry left a tier.
type EvictionReason string

const (
	ReasonCapacity EvictionReason = "capacity"
	ReasonExpired  EvictionReason = "expired"
)

// EvictionEvent is reported for every entry a tier drops on its own.
type EvictionEvent struct {
	Key    string
	Level  Level
	Reason EvictionReason
	Policy EvictionPolicy
	Size   int
}
