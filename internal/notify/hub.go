package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/common/logger"
)

const defaultBufferSize = 64

// Hub fans organization events out to the SSE connections of one server process.
// It holds a single pattern subscription; each connection gets a buffered channel
// and events are dropped for connections that are not keeping up.
type Hub struct {
	client *redis.Client
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	ready   chan struct{}
	dropped atomic.Int64
}

func NewHub(client *redis.Client, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		client: client,
		buffer: bufferSize,
		subs:   make(map[string]map[*Subscription]struct{}),
		ready:  make(chan struct{}),
	}
}

// Run subscribes to every organization channel and dispatches until ctx is done.
// All open subscriptions are closed when Run returns.
func (h *Hub) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "errorwatch.notify.hub"})
	defer h.shutdown()

	ps := h.client.PSubscribe(ctx, channelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channelPattern, err)
	}
	close(h.ready)
	slog.InfoContext(ctx, "notification hub subscribed", "pattern", channelPattern)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.dispatch(ctx, msg)
		}
	}
}

// Ready is closed once the pattern subscription is active.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Dropped counts events discarded because a subscriber's buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) dispatch(ctx context.Context, msg *redis.Message) {
	orgID := strings.TrimPrefix(msg.Channel, channelPrefix)
	event, err := ParseEvent([]byte(msg.Payload))
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed notification", "error", err, "channel", msg.Channel)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[orgID] {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			slog.WarnContext(ctx, "subscriber buffer full, dropping notification",
				"organization_id", orgID,
				"type", event.Type)
		}
	}
}

// Subscribe registers a connection for an organization's events.
func (h *Hub) Subscribe(organizationID string) *Subscription {
	sub := &Subscription{hub: h, orgID: organizationID, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	if h.subs[organizationID] == nil {
		h.subs[organizationID] = make(map[*Subscription]struct{})
	}
	h.subs[organizationID][sub] = struct{}{}
	return sub
}

// Subscribers returns the number of open subscriptions for an organization.
func (h *Hub) Subscribers(organizationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[organizationID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.done {
		return
	}
	sub.done = true
	close(sub.ch)

	set := h.subs[sub.orgID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.orgID)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for orgID, set := range h.subs {
		for sub := range set {
			sub.done = true
			close(sub.ch)
		}
		delete(h.subs, orgID)
	}
}

// Subscription is one connection's view of an organization's events.
type Subscription struct {
	hub   *Hub
	orgID string
	ch    chan Event
	done  bool // guarded by hub.mu
}

// C delivers events until the subscription or the hub is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}
