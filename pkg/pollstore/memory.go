// Copyright 2024-2026 Aiku AI

package pollstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps polls in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	polls map[string]*Poll
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{polls: make(map[string]*Poll)}
}

func (s *MemoryStore) Put(_ context.Context, poll *Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[poll.ID]; ok {
		return ErrPollExists
	}
	s.polls[poll.ID] = clonePoll(poll)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	poll, ok := s.polls[id]
	if !ok {
		return nil, ErrPollNotFound
	}
	return clonePoll(poll), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polls, id)
	return nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, poll := range s.polls {
		if poll.CreatedAt.Before(cutoff) {
			delete(s.polls, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.polls)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
