// Package store holds the append-only viral event log and its backends.
package store

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// DefaultEventCapacity bounds the in-memory event log.
const DefaultEventCapacity = 100_000

// EventFilter narrows a List call. Zero fields match everything.
type EventFilter struct {
	Types      []contracts.EventType
	UserID     string
	Cohort     string
	LoopID     string
	InviteCode string
	Range      contracts.TimeRange
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e contracts.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Cohort != "" && e.Metadata.Cohort != f.Cohort {
		return false
	}
	if f.LoopID != "" && e.Metadata.LoopID != f.LoopID {
		return false
	}
	if f.InviteCode != "" && e.Metadata.InviteCode != f.InviteCode {
		return false
	}
	return f.Range.Contains(e.Timestamp)
}

// EventStore is the append-only event log. List returns events in insertion
// order, not timestamp order. Appending an id that is already stored is a
// no-op.
type EventStore interface {
	Append(ctx context.Context, e contracts.Event) error
	List(ctx context.Context, f EventFilter) ([]contracts.Event, error)
}

// MemoryEventStore is a bounded ring buffer. Once full, each append evicts
// the oldest event.
type MemoryEventStore struct {
	mu       sync.RWMutex
	buf      []contracts.Event
	head     int
	capacity int
	evicted  uint64
	ids      map[string]struct{}
}

func NewMemoryEventStore(capacity int) *MemoryEventStore {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &MemoryEventStore{capacity: capacity, ids: make(map[string]struct{})}
}

func (s *MemoryEventStore) Append(_ context.Context, e contracts.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e = cloneEvent(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[e.ID]; ok {
		return nil
	}
	s.ids[e.ID] = struct{}{}
	if len(s.buf) < s.capacity {
		s.buf = append(s.buf, e)
		return nil
	}
	delete(s.ids, s.buf[s.head].ID)
	s.buf[s.head] = e
	s.head = (s.head + 1) % s.capacity
	s.evicted++
	return nil
}

func (s *MemoryEventStore) List(_ context.Context, f EventFilter) ([]contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Event, 0)
	n := len(s.buf)
	for i := 0; i < n; i++ {
		e := s.buf[(s.head+i)%n]
		if f.Match(e) {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// Len returns the number of retained events.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Evicted returns how many events the ring buffer has dropped.
func (s *MemoryEventStore) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

func cloneEvent(e contracts.Event) contracts.Event {
	if e.Metadata.Extra != nil {
		extra := make(map[string]any, len(e.Metadata.Extra))
		for k, v := range e.Metadata.Extra {
			extra[k] = v
		}
		e.Metadata.Extra = extra
	}
	return e
}
