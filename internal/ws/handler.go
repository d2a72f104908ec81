package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/logger"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
)

// Handler accepts chat websocket connections and owns every live one.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	members  repositories.MembershipRepository
	messages repositories.MessageRepository
	audit    *telemetry.AuditEmitter
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	live    map[string]*connection
	closing bool
	wg      sync.WaitGroup
}

func NewHandler(
	hub *Hub,
	verifier auth.Verifier,
	members repositories.MembershipRepository,
	messages repositories.MessageRepository,
	audit *telemetry.AuditEmitter,
	cfg config.WebSocketConfig,
) *Handler {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Handler{
		hub:      hub,
		verifier: verifier,
		members:  members,
		messages: messages,
		audit:    audit,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		live: make(map[string]*connection),
	}
}

// Handle serves GET /ws/chat/:chat_id/. The socket is upgraded first so
// that refusals can be reported with a close code.
func (h *Handler) Handle(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	ctx, span := telemetry.Tracer().Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", chatID))

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64(logger.FieldChatID, chatID).Msg("websocket upgrade failed")
		return
	}

	conn := &connection{
		h:           h,
		ws:          wsConn,
		id:          uuid.NewString(),
		chatID:      chatID,
		group:       GroupName(chatID),
		deviceID:    observability.DeviceIDFromRequest(c.Request),
		ip:          observability.IPFromRequest(c.Request),
		requestID:   logger.RequestID(c),
		traceID:     span.SpanContext().TraceID().String(),
		connectedAt: time.Now(),
		writerDone:  make(chan struct{}),
	}
	conn.state.advance(StateAuthenticating)

	userID, err := h.authenticate(ctx, c)
	if err != nil {
		span.SetStatus(codes.Error, "unauthenticated")
		h.reject(ctx, conn, CloseUnauthenticated, "unauthenticated")
		return
	}
	conn.userID = userID
	conn.state.advance(StateAuthorizing)
	span.SetAttributes(attribute.Int64("user.id", userID))

	member, err := h.members.IsMember(ctx, chatID, userID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64(logger.FieldChatID, chatID).Int64(logger.FieldUserID, userID).Msg("membership lookup failed")
	}
	if err != nil || !member {
		span.SetStatus(codes.Error, "unauthorized")
		h.reject(ctx, conn, CloseUnauthorized, "unauthorized")
		return
	}

	conn.sub = NewSubscriber(conn.id, h.cfg.SendBuffer)
	conn.limiter = h.newLimiter()
	if !h.track(conn) {
		h.reject(ctx, conn, websocket.CloseGoingAway, "shutting_down")
		return
	}

	// The request context ends when this handler returns.
	go conn.run(context.WithoutCancel(ctx))
}

// newLimiter paces inbound events of one connection. Excess frames are
// delayed, not dropped.
func (h *Handler) newLimiter() *rate.Limiter {
	if h.cfg.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimit), max(h.cfg.RateBurst, 1))
}

func (h *Handler) authenticate(ctx context.Context, c *gin.Context) (int64, error) {
	token := c.Query("token")
	if token == "" {
		token, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		return 0, auth.ErrAuthenticationFailed
	}
	userID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrAuthenticationFailed) {
			logger.Ctx(ctx).Warn().Err(err).Msg("token verification error")
		}
		return 0, auth.ErrAuthenticationFailed
	}
	return userID, nil
}

// reject closes a connection that never joined its group. Only the close
// code reaches the client.
func (h *Handler) reject(ctx context.Context, conn *connection, code int, reason string) {
	conn.state.advance(StateClosed)

	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = conn.ws.Close()

	observability.IncWSEvent(observability.EventWSRejected)
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents,
		observability.NewWSEnvelope(observability.EventWSRejected, conn.requestID, conn.traceID, conn.payload(reason)))

	var userID *int64
	if conn.userID > 0 {
		id := conn.userID
		userID = &id
	}
	h.audit.Emit(ctx, conn.requestID, userID, telemetry.AuditPayload{
		Action: "ws.connect",
		ChatID: conn.chatID,
		Target: conn.id,
		Result: reason,
	})

	logger.Ctx(ctx).Info().
		Str(logger.FieldConnID, conn.id).
		Int64(logger.FieldChatID, conn.chatID).
		Int("close_code", code).
		Str("reason", reason).
		Msg("websocket rejected")
}

func (h *Handler) track(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.live[conn.id] = conn
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *connection) {
	h.mu.Lock()
	delete(h.live, conn.id)
	h.mu.Unlock()
	h.wg.Done()
}

// LiveConnections reports the number of joined connections on this instance.
func (h *Handler) LiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Shutdown refuses new connections, closes live ones with 1001 and waits
// for their cleanup to finish or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*connection, 0, len(h.live))
	for _, c := range h.live {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.sub.Stop(websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
