package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-gateway/internal/models"
)

var (
	// ErrPersistence marks failures of the message store itself.
	ErrPersistence = errors.New("message store unavailable")
	// ErrInvalidCursor is returned when a before cursor is not a valid identity.
	ErrInvalidCursor = errors.New("invalid message cursor")
	// ErrInvalidMessageID is returned when a message id is not a valid identity.
	ErrInvalidMessageID = errors.New("invalid message id")
)

// PersistenceError wraps a driver failure with the operation that caused it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("message store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// MessageRepository is the append-only per-chat message log.
type MessageRepository interface {
	Insert(ctx context.Context, msg models.NewMessage) (models.Message, error)
	Fetch(ctx context.Context, chatID int64, limit int, before string) ([]models.Message, error)
	SoftDelete(ctx context.Context, messageID string, userID int64) (int64, error)
}

// MessageRepo stores messages in a MongoDB collection.
type MessageRepo struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMessageRepo constructs MessageRepo over the messages collection.
func NewMessageRepo(coll *mongo.Collection) *MessageRepo {
	return &MessageRepo{coll: coll, now: time.Now}
}

// EnsureIndexes creates the index backing per-chat reverse pagination.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("chat_id_id_desc"),
	})
	if err != nil {
		return &PersistenceError{Op: "create index", Err: err}
	}
	return nil
}

// Insert stamps the creation time, assigns a fresh id and stores the message.
func (r *MessageRepo) Insert(ctx context.Context, in models.NewMessage) (models.Message, error) {
	msg := models.Message{
		ID:        primitive.NewObjectID(),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Type:      in.Type,
		Content:   in.Content,
		File:      in.File,
		ReplyTo:   in.ReplyTo,
		CreatedAt: r.now().UTC().Truncate(time.Millisecond),
		EditedAt:  nil,
		Deleted:   false,
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}

	if _, err := r.coll.InsertOne(ctx, msg); err != nil {
		return models.Message{}, &PersistenceError{Op: "insert", Err: err}
	}
	return msg, nil
}

// Fetch returns up to limit non-deleted messages strictly before the cursor,
// oldest first. An empty cursor selects the most recent page.
func (r *MessageRepo) Fetch(ctx context.Context, chatID int64, limit int, before string) ([]models.Message, error) {
	filter := bson.M{"chat_id": chatID, "deleted": false}
	if before != "" {
		oid, err := primitive.ObjectIDFromHex(before)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		filter["_id"] = bson.M{"$lt": oid}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, &PersistenceError{Op: "find", Err: err}
	}
	defer cur.Close(ctx)

	msgs := make([]models.Message, 0, limit)
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, &PersistenceError{Op: "decode", Err: err}
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		msgs[i].File = plain(msgs[i].File)
	}
	return msgs, nil
}

// plain converts decoded driver documents and arrays into maps and slices,
// so a stored attachment encodes to JSON with the keys it was sent with.
func plain(v any) any {
	switch t := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}

// SoftDelete flags a message deleted when userID is its sender and reports
// how many records changed. Zero means not found or not permitted.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID string, userID int64) (int64, error) {
	oid, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return 0, ErrInvalidMessageID
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "sender_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "edited_at": r.now().UTC().Truncate(time.Millisecond)}},
	)
	if err != nil {
		return 0, &PersistenceError{Op: "update", Err: err}
	}
	return res.ModifiedCount, nil
}
