package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// RateLimitService enforces sliding-window limits over the shared store. A
// store failure never blocks traffic: the service fails open and reports the
// attempt as the first in a fresh window.
type RateLimitService struct {
	store  port.RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimitService constructs a RateLimitService.
func NewRateLimitService(store port.RateLimitStore) *RateLimitService {
	return &RateLimitService{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithLogger attaches a structured logger to the service.
func (s *RateLimitService) WithLogger(logger *zap.Logger) *RateLimitService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *RateLimitService) WithClock(now func() time.Time) *RateLimitService {
	if now != nil {
		s.now = now
	}
	return s
}

// Allow records an attempt under the identifier and decides admission. The
// identifier scopes the window; callers use distinct identifiers per concern
// (connections, messages, typing, joins).
func (s *RateLimitService) Allow(ctx context.Context, identifier string, max int, window time.Duration) domain.RateLimitDecision {
	at := s.now().UTC()

	count, oldest, err := s.store.Take(ctx, identifier, window, at)
	if err != nil {
		s.logger.Warn("rate limit store unavailable, failing open",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return domain.RateLimitDecision{
			Allowed:   true,
			Limit:     max,
			Remaining: max - 1,
			ResetAt:   at.Add(window),
		}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := at.Add(window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(window)
	}

	return domain.RateLimitDecision{
		Allowed:   count <= max,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
