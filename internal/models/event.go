package models

import (
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventKind is the `event` discriminator carried by every frame.
type EventKind string

const (
	EventTyping         EventKind = "typing"
	EventSeen           EventKind = "seen"
	EventMessage        EventKind = "message"
	EventUserOnline     EventKind = "user_online"
	EventUserOffline    EventKind = "user_offline"
	EventMessageDeleted EventKind = "message_deleted"
	EventError          EventKind = "error"
)

// ErrMalformedEvent is returned for frames that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// InboundEvent is one of TypingEvent, SeenEvent, MessageEvent or IgnoredEvent.
type InboundEvent interface {
	Kind() EventKind
}

type TypingEvent struct{}

type SeenEvent struct {
	MessageID string
}

type MessageEvent struct {
	Content string
	Type    string
	File    any
	ReplyTo *primitive.ObjectID
}

// IgnoredEvent is any frame whose discriminator is not handled.
type IgnoredEvent struct {
	Name string
}

func (TypingEvent) Kind() EventKind    { return EventTyping }
func (SeenEvent) Kind() EventKind      { return EventSeen }
func (MessageEvent) Kind() EventKind   { return EventMessage }
func (e IgnoredEvent) Kind() EventKind { return EventKind(e.Name) }

type inboundFrame struct {
	Event     string  `json:"event"`
	MessageID string  `json:"message_id"`
	Content   string  `json:"content"`
	Type      string  `json:"type"`
	ReplyTo   *string `json:"reply_to"`
	File      any     `json:"file"`
}

// ParseInbound decodes a client frame. It returns ErrMalformedEvent when the
// payload is not a JSON object or a message references an invalid reply id.
func ParseInbound(data []byte) (InboundEvent, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, ErrMalformedEvent
	}

	switch EventKind(f.Event) {
	case EventTyping:
		return TypingEvent{}, nil
	case EventSeen:
		return SeenEvent{MessageID: f.MessageID}, nil
	case EventMessage:
		ev := MessageEvent{Content: f.Content, Type: f.Type, File: f.File}
		if ev.Type == "" {
			ev.Type = MessageTypeText
		}
		if f.ReplyTo != nil && *f.ReplyTo != "" {
			oid, err := primitive.ObjectIDFromHex(*f.ReplyTo)
			if err != nil {
				return nil, ErrMalformedEvent
			}
			ev.ReplyTo = &oid
		}
		return ev, nil
	default:
		return IgnoredEvent{Name: f.Event}, nil
	}
}

// UserEvent is the payload of typing and presence events.
type UserEvent struct {
	Event  EventKind `json:"event"`
	UserID int64     `json:"user_id"`
}

type SeenBroadcast struct {
	Event     EventKind `json:"event"`
	UserID    int64     `json:"user_id"`
	MessageID string    `json:"message_id"`
}

type MessageBroadcast struct {
	Event     EventKind `json:"event"`
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	File      any       `json:"file"`
	ReplyTo   *string   `json:"reply_to"`
	CreatedAt string    `json:"created_at"`
}

type MessageDeletedBroadcast struct {
	Event     EventKind `json:"event"`
	MessageID string    `json:"message_id"`
	UserID    int64     `json:"user_id"`
}

// ErrorEvent is sent only to the connection whose request failed.
type ErrorEvent struct {
	Event EventKind `json:"event"`
	Code  string    `json:"code"`
}

func NewMessageBroadcast(m Message) MessageBroadcast {
	b := MessageBroadcast{
		Event:     EventMessage,
		ID:        m.ID.Hex(),
		UserID:    m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		File:      m.File,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ReplyTo != nil {
		hex := m.ReplyTo.Hex()
		b.ReplyTo = &hex
	}
	return b
}
