package audit

import (
	"context"
	"sync"
)

// MemoryRecorder keeps the newest events in a fixed-size ring. It implements
// both Recorder and Reader so development setups without ClickHouse still
// serve the audit endpoint.
type MemoryRecorder struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	filled bool
}

// NewMemoryRecorder creates a ring holding up to capacity events.
// capacity <= 0 uses 1000.
func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryRecorder{ring: make([]Event, capacity)}
}

func (r *MemoryRecorder) Record(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = *event
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.filled = true
	}
}

func (r *MemoryRecorder) Close() {}

// List returns the workspace's events, newest first. Events older than the
// ring's capacity are gone; that is the accepted dev-mode tradeoff.
func (r *MemoryRecorder) List(_ context.Context, workspaceID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = len(r.ring)
	}

	events := make([]Event, 0, limit)
	// Walk backwards from the most recent slot.
	for i := 1; i <= size && len(events) < limit; i++ {
		idx := r.next - i
		if idx < 0 {
			idx += len(r.ring)
		}
		if r.ring[idx].WorkspaceID == workspaceID {
			events = append(events, r.ring[idx])
		}
	}
	return events, nil
}

var _ Recorder = (*MemoryRecorder)(nil)
var _ Reader = (*MemoryRecorder)(nil)
