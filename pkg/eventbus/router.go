package eventbus

import (
	"context"

	"go.uber.org/zap"

	"github.com/d60-Lab/socialsync/pkg/logger"
)

// Route builds a Handler that dispatches on the routing key. Subscribing
// once with a wildcard and routing in-process keeps every key bound to that
// pattern on one queue, so their relative order is preserved. Keys without
// a handler are acked and dropped.
func Route(routes map[string]Handler) Handler {
	return func(ctx context.Context, env Envelope) error {
		h, ok := routes[env.RoutingKey]
		if !ok {
			logger.Debug("no handler for routing key", zap.String("routing_key", env.RoutingKey), zap.String("message_id", env.ID))
			return nil
		}
		return h(ctx, env)
	}
}
