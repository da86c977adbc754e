package otp

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map. Outstanding codes do not
// survive a restart and are not shared between instances; use the SQL store
// for that.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[Key]Record{}}
}

func (s *MemoryStore) Put(_ context.Context, key Key, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[Key]Record{}
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrOtpNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; !ok || rec.CodeHash != codeHash {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep drops every record that expired before now and returns how many.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n
}

// Sweeper is implemented by stores that can purge expired records in bulk.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	return s.Sweep(now), nil
}

// RunSweeper purges expired records every interval until ctx is done.
// Verification evicts expired records on its own; this only bounds memory.
func RunSweeper(ctx context.Context, store Sweeper, interval time.Duration, now func() time.Time, onSweep func(int, error)) {
	if interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.SweepExpired(ctx, now().UTC())
			if onSweep != nil {
				onSweep(n, err)
			}
		}
	}
}
