package port

import (
	"context"
	"time"
)

// RateLimitStore records sliding-window attempts in the shared store. Take must
// apply prune + insert + count + TTL-refresh as one atomic sequence so two
// concurrent callers cannot both observe a pre-insert count under the limit.
type RateLimitStore interface {
	// Take prunes entries older than window, records an attempt at the supplied
	// moment, and returns the resulting count together with the oldest attempt
	// still inside the window.
	Take(ctx context.Context, identifier string, window time.Duration, at time.Time) (count int, oldest time.Time, err error)
}
