package attribution

import (
	"context"
	"sync"
)

// Store persists links keyed by short code.
type Store interface {
	// Create stores a new link; ErrDuplicateCode if the code is taken.
	Create(ctx context.Context, link *Link) error
	// Get returns a copy of the link or ErrLinkNotFound.
	Get(ctx context.Context, shortCode string) (*Link, error)
	// IncrementClicks adds one to the click count and returns the new value.
	IncrementClicks(ctx context.Context, shortCode string) (int64, error)
	Delete(ctx context.Context, shortCode string) error
	// RecordClick stores click telemetry once per fingerprint; it reports
	// whether the click was new.
	RecordClick(ctx context.Context, shortCode, fingerprint string, click Click) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	links  map[string]*Link
	clicks map[string]map[string]Click
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:  make(map[string]*Link),
		clicks: make(map[string]map[string]Click),
	}
}

func (s *MemoryStore) Create(_ context.Context, link *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.ShortCode]; ok {
		return ErrDuplicateCode
	}
	cp := *link
	s.links[link.ShortCode] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, shortCode string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[shortCode]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) IncrementClicks(_ context.Context, shortCode string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[shortCode]
	if !ok {
		return 0, ErrLinkNotFound
	}
	l.Metadata.ClickCount++
	return l.Metadata.ClickCount, nil
}

func (s *MemoryStore) Delete(_ context.Context, shortCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, shortCode)
	delete(s.clicks, shortCode)
	return nil
}

func (s *MemoryStore) RecordClick(_ context.Context, shortCode, fingerprint string, click Click) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[shortCode]; !ok {
		return false, ErrLinkNotFound
	}
	seen := s.clicks[shortCode]
	if seen == nil {
		seen = make(map[string]Click)
		s.clicks[shortCode] = seen
	}
	if _, dup := seen[fingerprint]; dup {
		return false, nil
	}
	seen[fingerprint] = click
	return true, nil
}

// Clicks returns the recorded click telemetry for a code.
func (s *MemoryStore) Clicks(shortCode string) []Click {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Click, 0, len(s.clicks[shortCode]))
	for _, c := range s.clicks[shortCode] {
		out = append(out, c)
	}
	return out
}
