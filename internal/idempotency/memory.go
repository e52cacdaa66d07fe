package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memKey struct {
	tenant, endpoint, key string
}

// MemoryStore keeps records in a map guarded by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memKey]Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memKey]Record), now: time.Now}
}

func (s *MemoryStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{rec.TenantID, rec.Endpoint, rec.Key}
	if existing, ok := s.records[k]; ok && !existing.Expired(s.now()) {
		return &existing, nil
	}
	s.records[k] = *rec
	return nil, nil
}

func (s *MemoryStore) Complete(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{rec.TenantID, rec.Endpoint, rec.Key}
	existing, ok := s.records[k]
	if !ok || !owns(existing, rec) {
		return fmt.Errorf("no reservation for key %q", rec.Key)
	}
	stored := *rec
	stored.Body = append([]byte(nil), rec.Body...)
	stored.CreatedAt = existing.CreatedAt
	s.records[k] = stored
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{rec.TenantID, rec.Endpoint, rec.Key}
	if existing, ok := s.records[k]; ok && owns(existing, rec) {
		delete(s.records, k)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, endpoint, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[memKey{tenantID, endpoint, key}]
	if !ok || existing.Expired(s.now()) {
		return nil, nil
	}
	return &existing, nil
}

func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// owns reports whether rec names the in-flight reservation stored as existing.
func owns(existing Record, rec *Record) bool {
	return existing.State == StateInFlight &&
		existing.RequestHash == rec.RequestHash &&
		existing.CreatedAt.Equal(rec.CreatedAt)
}
