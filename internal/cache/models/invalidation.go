package models

import "time"

// InvalidationMode selects how invalidations are applied locally.
type InvalidationMode string

const (
	InvalidateImmediate InvalidationMode = "immediate"
	InvalidateBatched   InvalidationMode = "batched"
	InvalidateLazy      InvalidationMode = "lazy"
)

// IsValid checks the mode is supported.
func (m InvalidationMode) IsValid() bool {
	switch m {
	case InvalidateImmediate, InvalidateBatched, InvalidateLazy:
		return true
	}
	return false
}

// InvalidationOp is the operation an event asks peers to apply.
type InvalidationOp string

const (
	OpDelete InvalidationOp = "delete"
	OpClear  InvalidationOp = "clear"
)

// InvalidationEvent travels between nodes on the shared channel. Version is
// monotonic per Origin so receivers can drop stale or replayed events.
type InvalidationEvent struct {
	Op        InvalidationOp `json:"op"`
	Key       string         `json:"key,omitempty"`
	Origin    string         `json:"origin"`
	Version   uint64         `json:"version"`
	Timestamp time.Time      `json:"ts"`
}
