package port

import (
	"context"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// OfflineMessageQueue buffers a bounded number of messages for users with no
// live connection, drained to the first connection they reopen.
type OfflineMessageQueue interface {
	Queue(ctx context.Context, userID string, message domain.Message) error
	Drain(ctx context.Context, userID string) ([]domain.Message, error)
}
