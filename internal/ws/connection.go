package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"chat-gateway/internal/logger"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/telemetry"
)

const errCodePersistence = "persistence_failed"

// connection is the per-socket state owned by one read goroutine and one
// write goroutine. Nothing outside this file touches it after join except
// through its Subscriber.
type connection struct {
	h  *Handler
	ws *websocket.Conn

	id     string
	chatID int64
	userID int64
	group  string
	sub    *Subscriber
	state  stateMachine

	deviceID    string
	ip          string
	requestID   string
	traceID     string
	connectedAt time.Time

	log         zerolog.Logger
	limiter     *rate.Limiter
	writerDone  chan struct{}
	cleanupOnce sync.Once
}

func (c *connection) payload(reason string) observability.WSPayload {
	return observability.WSPayload{
		ChatID:     c.chatID,
		ConnID:     c.id,
		UserID:     c.userID,
		DeviceID:   c.deviceID,
		IP:         c.ip,
		DurationMS: time.Since(c.connectedAt).Milliseconds(),
		Reason:     reason,
	}
}

func (c *connection) run(ctx context.Context) {
	c.log = logger.Ctx(ctx).With().
		Str(logger.FieldConnID, c.id).
		Int64(logger.FieldChatID, c.chatID).
		Int64(logger.FieldUserID, c.userID).
		Logger()
	ctx = logger.WithLogger(ctx, c.log)

	reason := "client_closed"
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("connection handler panicked")
			reason = "internal_error"
		}
		c.cleanup(ctx, reason)
	}()

	go c.writePump()
	c.join(ctx)
	reason = c.readPump(ctx)
}

func (c *connection) join(ctx context.Context) {
	c.state.advance(StateJoined)
	c.h.hub.Join(c.group, c.sub)

	observability.IncWSActive()
	observability.IncWSEvent(observability.EventWSConnect)
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents,
		observability.NewWSEnvelope(observability.EventWSConnect, c.requestID, c.traceID, c.payload("")))
	c.log.Info().Msg("websocket joined")

	c.publishExcept(ctx, models.UserEvent{Event: models.EventUserOnline, UserID: c.userID}, c.id)
}

// readPump processes inbound frames one at a time until the socket fails.
func (c *connection) readPump(ctx context.Context) string {
	cfg := c.h.cfg
	if cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read failed")
				return "read_error"
			}
			return "client_closed"
		}
		if c.limiter != nil && !c.limiter.Allow() {
			observability.IncWSEvent("throttled")
			if err := c.limiter.Wait(ctx); err != nil {
				return "rate_limited"
			}
		}
		c.dispatch(ctx, data)
	}
}

func (c *connection) dispatch(ctx context.Context, data []byte) {
	ev, err := models.ParseInbound(data)
	if err != nil {
		observability.IncWSEvent("malformed")
		c.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch e := ev.(type) {
	case models.TypingEvent:
		observability.IncWSEvent(string(models.EventTyping))
		c.publish(ctx, models.UserEvent{Event: models.EventTyping, UserID: c.userID})
	case models.SeenEvent:
		observability.IncWSEvent(string(models.EventSeen))
		c.publish(ctx, models.SeenBroadcast{Event: models.EventSeen, UserID: c.userID, MessageID: e.MessageID})
	case models.MessageEvent:
		observability.IncWSEvent(string(models.EventMessage))
		c.handleMessage(ctx, e)
	case models.IgnoredEvent:
		observability.IncWSEvent("ignored")
		c.log.Debug().Str("event", e.Name).Msg("ignoring unknown event")
	}
}

// handleMessage persists before broadcasting. A failed insert is reported to
// this connection only and nothing reaches the group.
func (c *connection) handleMessage(ctx context.Context, e models.MessageEvent) {
	ctx, span := telemetry.Tracer().Start(ctx, "ws.message.persist")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", c.chatID))

	pctx, cancel := context.WithTimeout(ctx, c.h.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	msg, err := c.h.messages.Insert(pctx, models.NewMessage{
		ChatID:   c.chatID,
		SenderID: c.userID,
		Type:     e.Type,
		Content:  e.Content,
		File:     e.File,
		ReplyTo:  e.ReplyTo,
	})
	observability.ObservePersist(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		observability.IncWSEvent("persist_error")
		c.log.Error().Err(err).Msg("message persist failed")
		c.sendSelf(models.ErrorEvent{Event: models.EventError, Code: errCodePersistence})
		return
	}

	span.SetAttributes(attribute.String("message.id", msg.ID.Hex()))
	c.publish(ctx, models.NewMessageBroadcast(msg))
}

func (c *connection) publish(ctx context.Context, event any) {
	c.publishExcept(ctx, event, "")
}

func (c *connection) publishExcept(ctx context.Context, event any, excludeID string) {
	frame, err := json.Marshal(event)
	if err != nil {
		c.log.Error().Err(err).Msg("encode outbound event")
		return
	}
	if err := c.h.hub.PublishExcept(ctx, c.group, frame, excludeID); err != nil {
		c.log.Warn().Err(err).Msg("relay forward failed")
	}
}

func (c *connection) sendSelf(event any) {
	frame, err := json.Marshal(event)
	if err != nil {
		return
	}
	if !c.sub.deliver(frame) {
		c.log.Warn().Msg("could not queue error event")
	}
}

// writePump is the only writer of data frames. It exits after writing a
// close frame once the subscriber stops, or on the first write error.
func (c *connection) writePump() {
	defer close(c.writerDone)
	defer c.ws.Close()

	wait := c.h.cfg.WriteWait
	var ping <-chan time.Time
	if c.h.cfg.PingInterval > 0 {
		t := time.NewTicker(c.h.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case frame := <-c.sub.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				return
			}
		case <-c.sub.Done():
			msg := websocket.FormatCloseMessage(c.sub.CloseCode(), "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
			return
		}
	}
}

// cleanup runs exactly once per joined connection: leave, then announce
// the departure to whoever remains.
func (c *connection) cleanup(ctx context.Context, reason string) {
	c.cleanupOnce.Do(func() {
		c.state.advance(StateClosed)
		c.h.hub.Leave(c.group, c.sub)
		c.publish(ctx, models.UserEvent{Event: models.EventUserOffline, UserID: c.userID})

		c.sub.Stop(websocket.CloseNormalClosure)
		<-c.writerDone
		_ = c.ws.Close()

		if code := c.sub.CloseCode(); code != websocket.CloseNormalClosure {
			reason = fmt.Sprintf("server_closed_%d", code)
		}

		observability.DecWSActive()
		observability.IncWSEvent(observability.EventWSDisconnect)
		_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents,
			observability.NewWSEnvelope(observability.EventWSDisconnect, c.requestID, c.traceID, c.payload(reason)))
		c.log.Info().Str("reason", reason).Dur("duration", time.Since(c.connectedAt)).Msg("websocket closed")

		c.h.untrack(c)
	})
}
