package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryAdmitter keeps one token bucket per key in process memory. Admission
// is a bounded local operation: no I/O, one mutex acquisition to find the
// bucket. It is the default backend; state is per instance.
type MemoryAdmitter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	policy  Policy
}

func NewMemoryAdmitter() *MemoryAdmitter {
	return &MemoryAdmitter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Admit reserves one token from the key's bucket. A reservation that cannot
// be satisfied immediately is cancelled and reported as a denial with the
// refill delay as RetryAfter.
func (m *MemoryAdmitter) Admit(_ context.Context, key string, policy Policy) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok || b.policy != policy {
		// New key, or the workspace's policy changed: rebuild the bucket.
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(policy.PerMinute)/60.0), policy.Burst),
			policy:  policy,
		}
		m.buckets[key] = b
	}
	m.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Allowed: false, Limit: policy.PerMinute, RetryAfter: time.Minute}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{
			Allowed:    false,
			Limit:      policy.PerMinute,
			Remaining:  0,
			RetryAfter: delay,
		}, nil
	}

	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     policy.PerMinute,
		Remaining: remaining,
	}, nil
}

func (m *MemoryAdmitter) Close() error { return nil }
