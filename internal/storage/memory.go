package storage

import (
	"context"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]Record),
	}
}

func (s *MemoryStorage) Load(ctx context.Context, key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[key]
	if !exists {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStorage) Save(ctx context.Context, key string, rec *Record) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *copyRecord(*rec)
	if stored.SavedAt.IsZero() {
		stored.SavedAt = time.Now()
	}
	s.records[key] = stored
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyRecord(rec Record) *Record {
	out := rec
	if rec.Identity != nil {
		id := *rec.Identity
		out.Identity = &id
	}
	return &out
}
