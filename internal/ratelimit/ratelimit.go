// Package ratelimit admits or rejects execute requests per workspace and rate
// class. Both implementations are token buckets: capacity is the burst, refill
// is continuous at the per-minute rate, so there is no window boundary to
// burst across.
package ratelimit

import (
	"context"
	"time"
)

// Policy is the bucket shape for one workspace+class key.
type Policy struct {
	PerMinute int
	Burst     int
}

// Decision is the outcome of one admission check. RetryAfter is positive on
// every denial.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Admitter decides whether a request may proceed. Implementations must treat
// distinct keys independently; a denied or exhausted key never affects
// another. Errors mean the limiter itself failed and callers must fail
// closed, not open.
type Admitter interface {
	Admit(ctx context.Context, key string, policy Policy) (Decision, error)
	Close() error
}

// Key builds the bucket key for a workspace and action rate class.
func Key(workspaceID, class string) string {
	if class == "" {
		class = "default"
	}
	return workspaceID + ":" + class
}
