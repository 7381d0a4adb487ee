package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySink collects events in memory. Used in tests and as the sink of
// last resort when no redis is configured.
type MemorySink struct {
	mu     sync.Mutex
	events map[uuid.UUID][]Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[uuid.UUID][]Event)}
}

func (s *MemorySink) Send(_ context.Context, userID uuid.UUID, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[userID] = append(s.events[userID], event)
	return nil
}

// Events returns a copy of everything delivered for userID.
func (s *MemorySink) Events(userID uuid.UUID) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[userID]))
	copy(out, s.events[userID])
	return out
}
