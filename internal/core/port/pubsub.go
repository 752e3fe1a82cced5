package port

import (
	"context"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// EventBus is the cross-instance fan-out boundary. All inter-instance
// coordination flows through it; there is no direct instance-to-instance RPC.
// Delivery is best-effort and may duplicate; handlers must be idempotent-safe.
type EventBus interface {
	Publish(ctx context.Context, event domain.GatewayEvent) error
	// Subscribe invokes handler for every event received until ctx is done.
	Subscribe(ctx context.Context, handler func(domain.GatewayEvent)) error
	Close() error
}
