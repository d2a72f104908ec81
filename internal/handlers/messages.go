package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/config"
	"chat-gateway/internal/logger"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/models"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

// MessageHandler serves chat history over REST.
type MessageHandler struct {
	members  repositories.MembershipRepository
	messages repositories.MessageRepository
	hub      *ws.Hub
	audit    *telemetry.AuditEmitter
	limits   config.MessagesConfig
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(
	members repositories.MembershipRepository,
	messages repositories.MessageRepository,
	hub *ws.Hub,
	audit *telemetry.AuditEmitter,
	limits config.MessagesConfig,
) *MessageHandler {
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 100
	}
	if limits.MaxLimit < limits.DefaultLimit {
		limits.MaxLimit = limits.DefaultLimit
	}
	return &MessageHandler{members: members, messages: messages, hub: hub, audit: audit, limits: limits}
}

// Register mounts the history routes on an authenticated group.
func (h *MessageHandler) Register(r gin.IRoutes) {
	r.GET("/chats/:chat_id/messages", h.ListMessages)
	r.DELETE("/chats/:chat_id/messages/:message_id", h.DeleteMessage)
}

// ListMessages returns one page of history, oldest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	chatID, ok := h.authorizeChat(c)
	if !ok {
		return
	}

	limit := h.limits.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, h.limits.MaxLimit)
	}

	msgs, err := h.messages.Fetch(c.Request.Context(), chatID, limit, c.Query("before"))
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		logger.Ctx(c.Request.Context()).Error().Err(err).Int64(logger.FieldChatID, chatID).Msg("fetch messages failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// DeleteMessage soft deletes a message the caller sent and tells the chat.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	chatID, ok := h.authorizeChat(c)
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	messageID := c.Param("message_id")
	ctx := c.Request.Context()

	n, err := h.messages.SoftDelete(ctx, messageID, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidMessageID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("message_id", messageID).Msg("soft delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete message"})
		return
	}

	result := "deleted"
	if n == 0 {
		result = "not_found"
	}
	h.audit.Emit(ctx, logger.RequestID(c), &userID, telemetry.AuditPayload{
		Action: "message.delete",
		ChatID: chatID,
		Target: messageID,
		Result: result,
	})

	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	frame, err := json.Marshal(models.MessageDeletedBroadcast{
		Event:     models.EventMessageDeleted,
		MessageID: messageID,
		UserID:    userID,
	})
	if err == nil {
		if err := h.hub.Publish(ctx, ws.GroupName(chatID), frame); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("relay forward failed")
		}
	}

	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) authorizeChat(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}

	member, err := h.members.IsMember(c.Request.Context(), chatID, middleware.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return 0, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return 0, false
	}
	return chatID, true
}
