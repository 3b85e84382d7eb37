package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher emits real-time notifications. Delivery is best effort: failures are
// logged and never surface to the caller.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type redisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) Publisher {
	return &redisPublisher{client: client}
}

func (p *redisPublisher) Publish(ctx context.Context, event Event) {
	if event.OrganizationID == "" {
		slog.WarnContext(ctx, "dropping notification without organization", "type", event.Type)
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode notification", "error", err, "type", event.Type)
		return
	}

	if err := p.client.Publish(ctx, Channel(event.OrganizationID), body).Err(); err != nil {
		slog.WarnContext(ctx, "failed to publish notification",
			"error", err,
			"type", event.Type,
			"organization_id", event.OrganizationID)
		return
	}

	slog.DebugContext(ctx, "notification published", "type", event.Type, "organization_id", event.OrganizationID)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}
