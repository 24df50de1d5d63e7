package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, tiers and transports return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: key or record does not exist
//   - ErrExpired: record exists but its TTL has elapsed
//   - ErrUnavailable: backend temporarily unreachable
//   - ErrQueueFull: a bounded queue rejected work under fail-fast overflow
//   - ErrClosed: the component was shut down
//
// For validation errors use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrQueueFull    = errors.New("queue full")
	ErrClosed       = errors.New("closed")
)
