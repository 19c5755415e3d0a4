package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	overrides map[string]string
	profiles  map[string]Profile
	credits   map[string]int64
	notes     map[string][]NoteRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		overrides: make(map[string]string),
		profiles:  make(map[string]Profile),
		credits:   make(map[string]int64),
		notes:     make(map[string][]NoteRecord),
	}
}

func (s *InMemoryStore) Overrides(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SaveOverrides(_ context.Context, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		if v == "" {
			delete(s.overrides, k)
			continue
		}
		s.overrides[k] = v
	}
	return nil
}

func (s *InMemoryStore) PronunciationHints(_ context.Context, ownerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[ownerID].PronunciationHints, nil
}

func (s *InMemoryStore) Macros(_ context.Context, ownerID string) ([]Macro, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	macros := s.profiles[ownerID].Macros
	if len(macros) == 0 {
		return nil, nil
	}
	out := make([]Macro, len(macros))
	copy(out, macros)
	return out, nil
}

func (s *InMemoryStore) SaveProfile(_ context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	macros := make([]Macro, len(p.Macros))
	copy(macros, p.Macros)
	p.Macros = macros
	s.profiles[p.OwnerID] = p
	return nil
}

func (s *InMemoryStore) DeductIfPositive(_ context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credits[ownerID] <= 0 {
		return false, nil
	}
	s.credits[ownerID]--
	return true, nil
}

func (s *InMemoryStore) Balance(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credits[ownerID], nil
}

func (s *InMemoryStore) Grant(_ context.Context, ownerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[ownerID] += amount
	return s.credits[ownerID], nil
}

func (s *InMemoryStore) SaveNote(_ context.Context, record NoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.notes[record.OwnerID] = append(s.notes[record.OwnerID], record)
	return nil
}

// RecentNotes returns up to limit notes, newest first.
func (s *InMemoryStore) RecentNotes(_ context.Context, ownerID string, limit int) ([]NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.notes[ownerID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]NoteRecord, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
