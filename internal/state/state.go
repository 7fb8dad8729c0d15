// Package state persists the set of worker processes the pool is tracking,
// so that a restarted server can tell its own leftover workers apart from
// workers that belong to another instance.
package state

import (
	"sort"
	"sync"
	"time"
)

// Record describes one tracked session.
type Record struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	UserAgent string    `json:"user_agent,omitempty"`
	Proxy     string    `json:"proxy,omitempty"`
	LastURL   string    `json:"last_url,omitempty"`
}

// Store defines the interface for registry storage.
type Store interface {
	Put(rec Record) error
	Delete(pid int) error
	List() ([]Record, error)
	Close() error
}

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int]Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]Record)}
}

// Put stores or replaces a record.
func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PID] = rec
	return nil
}

// Delete removes a record. Deleting an unknown pid is not an error.
func (s *MemoryStore) Delete(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pid)
	return nil
}

// List returns every record ordered by pid.
func (s *MemoryStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].PID < recs[j].PID })
}
