package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu       sync.RWMutex
	ledgers  map[string]Ledger
	receipts map[string]Receipt
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ledgers:  make(map[string]Ledger),
		receipts: make(map[string]Receipt),
	}
}

func (s *MemoryStorage) Get(_ context.Context, key string) (*Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.ledgers[key]; ok {
		return &l, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Apply(_ context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Key != "" {
		if _, ok := s.receipts[c.Key]; ok {
			return ErrAlreadyCommitted
		}
		if c.Receipt != nil {
			s.receipts[c.Key] = *c.Receipt
		}
	}
	for _, l := range c.Ledgers {
		s.ledgers[l.Key] = *l
	}
	return nil
}

func (s *MemoryStorage) Committed(_ context.Context, key string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.receipts[key]; ok {
		return &r, nil
	}
	return nil, nil
}
