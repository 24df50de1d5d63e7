package audit

import (
	"context"
	"slices"
	"sync"
)

// MemorySink keeps written events in memory. Used in tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

// FailWith makes subsequent writes return err; nil restores writes.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}
