package ws

import (
	"context"
	"strconv"
	"sync"
	"time"

	"chat-gateway/internal/logger"
	"chat-gateway/internal/observability"
)

// GroupName derives the broadcast group of a chat. Every connection
// authorized for the chat computes the same name.
func GroupName(chatID int64) string {
	return "chat_" + strconv.FormatInt(chatID, 10)
}

// Relay forwards frames published on this instance to other instances.
type Relay interface {
	Forward(ctx context.Context, group string, frame []byte, excludeID string) error
}

// DefaultDeliverWait bounds how long one publish waits on full buffers.
const DefaultDeliverWait = 10 * time.Second

// Hub is the group broadcast registry. Groups exist while they have at
// least one subscriber.
type Hub struct {
	mu          sync.RWMutex
	groups      map[string]map[string]*Subscriber
	relay       Relay
	deliverWait time.Duration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		groups:      make(map[string]map[string]*Subscriber),
		deliverWait: DefaultDeliverWait,
	}
}

// SetDeliverWait changes how long a publish may wait for subscribers whose
// buffer is full before evicting them. Call before serving connections.
func (h *Hub) SetDeliverWait(d time.Duration) {
	if d <= 0 {
		d = DefaultDeliverWait
	}
	h.mu.Lock()
	h.deliverWait = d
	h.mu.Unlock()
}

// SetRelay attaches a cross-instance relay. Call before serving connections.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Join adds a subscriber to a group, creating the group on first join.
func (h *Hub) Join(group string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Subscriber)
	}
	h.groups[group][s.ID] = s
	observability.SetFabricGroups(len(h.groups))
}

// Leave removes a subscriber and prunes the group when it empties.
func (h *Hub) Leave(group string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.groups[group]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.groups, group)
		}
	}
	observability.SetFabricGroups(len(h.groups))
}

// Publish delivers frame to every subscriber of the group, including the
// publisher's own subscriber.
func (h *Hub) Publish(ctx context.Context, group string, frame []byte) error {
	return h.PublishExcept(ctx, group, frame, "")
}

// PublishExcept delivers frame to every subscriber of the group other than excludeID.
func (h *Hub) PublishExcept(ctx context.Context, group string, frame []byte, excludeID string) error {
	h.Deliver(group, frame, excludeID)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return nil
	}
	return relay.Forward(ctx, group, frame, excludeID)
}

// Deliver hands frame to local subscribers only. A full buffer is waited on
// until the deliver deadline, shared by the whole call. Subscribers still
// full after that are evicted.
func (h *Hub) Deliver(group string, frame []byte, excludeID string) {
	subs, wait := h.snapshot(group)
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	for _, s := range subs {
		if s.ID == excludeID {
			continue
		}
		if s.deliverWithin(frame, ctx.Done()) {
			observability.IncFabricDelivery("delivered")
			continue
		}
		select {
		case <-s.Done():
			observability.IncFabricDelivery("closed")
		default:
			observability.IncFabricDelivery("slow_consumer")
			l := logger.L()
			l.Warn().Str(logger.FieldConnID, s.ID).Str("group", group).Msg("subscriber buffer full, evicting")
			s.stopSlow()
		}
	}
}

// snapshot copies the subscriber set so delivery happens without the lock.
func (h *Hub) snapshot(group string) ([]*Subscriber, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.groups[group]
	out := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out, h.deliverWait
}

// GroupSize reports the number of local subscribers of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// GroupCount reports the number of non-empty groups.
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
