package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message type tags.
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// Message is a chat message as stored in the messages collection.
type Message struct {
	ID        primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	ChatID    int64               `bson:"chat_id" json:"chat_id"`
	SenderID  int64               `bson:"sender_id" json:"sender_id"`
	Type      string              `bson:"type" json:"type"`
	Content   string              `bson:"content" json:"content"`
	File      any                 `bson:"file" json:"file"`
	ReplyTo   *primitive.ObjectID `bson:"reply_to" json:"reply_to"`
	CreatedAt time.Time           `bson:"created_at" json:"created_at"`
	EditedAt  *time.Time          `bson:"edited_at" json:"edited_at"`
	Deleted   bool                `bson:"deleted" json:"deleted"`
}

// NewMessage is the input to a message insert. File is the attachment value
// exactly as the client sent it, usually an object, or nil.
type NewMessage struct {
	ChatID   int64
	SenderID int64
	Type     string
	Content  string
	File     any
	ReplyTo  *primitive.ObjectID
}
