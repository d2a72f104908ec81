package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat-gateway/internal/logger"
)

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Group   string          `json:"group"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// RedisRelay fans frames out across gateway instances over Redis pub/sub.
// Each instance publishes to <prefix>:<group> and re-delivers frames that
// originate elsewhere to its local hub.
type RedisRelay struct {
	client     *redis.Client
	prefix     string
	instanceID string
	hub        *Hub
	ready      chan struct{}
}

func NewRedisRelay(client *redis.Client, prefix string, hub *Hub) *RedisRelay {
	return &RedisRelay{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		hub:        hub,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the pattern subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

func (r *RedisRelay) channel(group string) string {
	return r.prefix + ":" + group
}

// Forward implements Relay.
func (r *RedisRelay) Forward(ctx context.Context, group string, frame []byte, excludeID string) error {
	data, err := json.Marshal(relayEnvelope{
		Origin:  r.instanceID,
		Group:   group,
		Exclude: excludeID,
		Frame:   frame,
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(group), data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run consumes frames from other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	close(r.ready)

	log := logger.L()
	log.Info().Str("instance_id", r.instanceID).Str("pattern", r.prefix+":*").Msg("fabric relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable relay frame")
				continue
			}
			if env.Origin == r.instanceID {
				continue
			}
			r.hub.Deliver(env.Group, env.Frame, env.Exclude)
		}
	}
}
