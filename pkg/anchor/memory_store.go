package anchor

import (
	"context"
	"sync"
)

// MemoryStore keeps anchors in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors []*Anchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, a *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append(s.anchors, a)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) (*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.anchors) == 0 {
		return nil, ErrNoAnchors
	}
	return s.anchors[len(s.anchors)-1], nil
}

// Reset drops every anchor. Test surface only.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = nil
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Anchor, len(s.anchors))
	copy(out, s.anchors)
	return out, nil
}
