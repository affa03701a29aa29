package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// MemoryStore keeps records in process memory. Expired records are treated as
// absent on every read path and swept by a background janitor; correctness
// never depends on the sweep having run.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttls    TTLs
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

func NewMemoryStore(ttls TTLs) *MemoryStore {
	m := &MemoryStore{
		records: make(map[string]*Record),
		ttls:    ttls,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func storageKey(workspaceID, key string) string {
	return workspaceID + "|" + key
}

func (m *MemoryStore) Begin(_ context.Context, workspaceID, key string) (BeginResult, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	k := storageKey(workspaceID, key)
	if rec, ok := m.records[k]; ok && now.Before(rec.ExpiresAt) {
		cp := *rec
		return BeginResult{Existing: &cp}, nil
	}
	m.records[k] = &Record{
		Key:         key,
		WorkspaceID: workspaceID,
		Status:      StatusInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttls.Record),
	}
	return BeginResult{Started: true}, nil
}

func (m *MemoryStore) Complete(_ context.Context, workspaceID, key string, result []byte, digest string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[storageKey(workspaceID, key)]
	if !ok {
		return fmt.Errorf("Complete: no record for key %q", key)
	}
	rec.Status = StatusCompleted
	rec.Result = append([]byte(nil), result...)
	rec.ResultDigest = digest
	rec.CompletedAt = now
	rec.ExpiresAt = now.Add(m.ttls.Record)
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, workspaceID, key, errorKind, errorMessage string) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[storageKey(workspaceID, key)]
	if !ok {
		return fmt.Errorf("Fail: no record for key %q", key)
	}
	rec.Status = StatusFailed
	rec.ErrorKind = errorKind
	rec.ErrorMessage = errorMessage
	rec.CompletedAt = now
	rec.ExpiresAt = now.Add(m.ttls.FailureCooldown)
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, workspaceID, key string) (*Record, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[storageKey(workspaceID, key)]
	if !ok || !now.Before(rec.ExpiresAt) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryStore) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, k)
		}
	}
}
