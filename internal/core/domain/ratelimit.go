package domain

import "time"

// RateLimitDecision is the outcome of a sliding-window admission check.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}
