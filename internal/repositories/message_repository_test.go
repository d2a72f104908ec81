package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"chat-gateway/internal/models"
)

func messageDoc(id primitive.ObjectID, chatID, senderID int64, content string, created time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "chat_id", Value: chatID},
		{Key: "sender_id", Value: senderID},
		{Key: "type", Value: "text"},
		{Key: "content", Value: content},
		{Key: "file", Value: nil},
		{Key: "reply_to", Value: nil},
		{Key: "created_at", Value: created},
		{Key: "edited_at", Value: nil},
		{Key: "deleted", Value: false},
	}
}

func withFile(doc bson.D, file any) bson.D {
	for i := range doc {
		if doc[i].Key == "file" {
			doc[i].Value = file
		}
	}
	return doc
}

// updateSpec returns the single update statement of an update command.
func updateSpec(mt *mtest.T, cmd bson.Raw) bson.Raw {
	mt.Helper()
	updates, err := cmd.Lookup("updates").Array().Values()
	require.NoError(mt, err)
	require.Len(mt, updates, 1)
	return updates[0].Document()
}

func TestMessageRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	fixed := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)

	mt.Run("insert assigns id and timestamp", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		repo.now = func() time.Time { return fixed }
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		reply := primitive.NewObjectID()
		file := map[string]any{"name": "a.png", "url": "u", "file_id": float64(42), "width": float64(640)}
		msg, err := repo.Insert(context.Background(), models.NewMessage{
			ChatID: 7, SenderID: 2, Content: "hi", Type: "file", File: file, ReplyTo: &reply,
		})
		require.NoError(mt, err)

		assert.False(mt, msg.ID.IsZero())
		assert.Equal(mt, fixed.Truncate(time.Millisecond), msg.CreatedAt)
		assert.Equal(mt, "file", msg.Type)
		assert.Equal(mt, file, msg.File)
		assert.Equal(mt, &reply, msg.ReplyTo)
		assert.Nil(mt, msg.EditedAt)
		assert.False(mt, msg.Deleted)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "insert", evt.CommandName)
		docs, err := evt.Command.Lookup("documents").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, docs, 1)
		stored := docs[0].Document()
		assert.Equal(mt, msg.ID, stored.Lookup("_id").ObjectID())
		assert.Equal(mt, "a.png", stored.Lookup("file", "name").StringValue())
		assert.Equal(mt, "u", stored.Lookup("file", "url").StringValue())
		assert.Equal(mt, 42.0, stored.Lookup("file", "file_id").Double())
		assert.Equal(mt, 640.0, stored.Lookup("file", "width").Double())
		assert.False(mt, stored.Lookup("deleted").Boolean())
		assert.Equal(mt, bson.TypeNull, stored.Lookup("edited_at").Type)
	})

	mt.Run("insert stores a non-object file as is", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		msg, err := repo.Insert(context.Background(), models.NewMessage{
			ChatID: 7, SenderID: 2, Type: "file", File: "https://cdn/a.png",
		})
		require.NoError(mt, err)
		assert.Equal(mt, "https://cdn/a.png", msg.File)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		docs, err := evt.Command.Lookup("documents").Array().Values()
		require.NoError(mt, err)
		require.Len(mt, docs, 1)
		assert.Equal(mt, "https://cdn/a.png", docs[0].Document().Lookup("file").StringValue())
	})

	mt.Run("insert defaults type to text", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		msg, err := repo.Insert(context.Background(), models.NewMessage{ChatID: 7, SenderID: 2, Content: "hi"})
		require.NoError(mt, err)
		assert.Equal(mt, models.MessageTypeText, msg.Type)
	})

	mt.Run("insert failure is a persistence error", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))

		_, err := repo.Insert(context.Background(), models.NewMessage{ChatID: 7, SenderID: 2, Content: "hi"})
		require.Error(mt, err)
		assert.ErrorIs(mt, err, ErrPersistence)
	})

	mt.Run("fetch returns oldest first", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		older := primitive.NewObjectIDFromTimestamp(fixed.Add(-time.Minute))
		newer := primitive.NewObjectIDFromTimestamp(fixed)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()

		// The store answers newest first.
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			messageDoc(newer, 7, 1, "second", fixed),
			messageDoc(older, 7, 2, "first", fixed.Add(-time.Minute)),
		))

		msgs, err := repo.Fetch(context.Background(), 7, 100, "")
		require.NoError(mt, err)
		require.Len(mt, msgs, 2)
		assert.Equal(mt, "first", msgs[0].Content)
		assert.Equal(mt, "second", msgs[1].Content)
		assert.Equal(mt, older, msgs[0].ID)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "find", evt.CommandName)
		filter := evt.Command.Lookup("filter").Document()
		assert.Equal(mt, int64(7), filter.Lookup("chat_id").AsInt64())
		assert.False(mt, filter.Lookup("deleted").Boolean())
		_, err = filter.LookupErr("_id")
		assert.Error(mt, err, "first page must not carry a cursor")
		assert.Equal(mt, int64(-1), evt.Command.Lookup("sort", "_id").AsInt64())
		assert.Equal(mt, int64(100), evt.Command.Lookup("limit").AsInt64())
	})

	mt.Run("fetch before cursor", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		cursor := primitive.NewObjectID()
		msgs, err := repo.Fetch(context.Background(), 7, 25, cursor.Hex())
		require.NoError(mt, err)
		assert.Empty(mt, msgs)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		filter := evt.Command.Lookup("filter").Document()
		assert.Equal(mt, int64(7), filter.Lookup("chat_id").AsInt64())
		assert.False(mt, filter.Lookup("deleted").Boolean())
		assert.Equal(mt, cursor, filter.Lookup("_id", "$lt").ObjectID())
		assert.Equal(mt, int64(-1), evt.Command.Lookup("sort", "_id").AsInt64())
		assert.Equal(mt, int64(25), evt.Command.Lookup("limit").AsInt64())
	})

	mt.Run("fetch returns file fields as stored", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		withObject := primitive.NewObjectIDFromTimestamp(fixed)
		withString := primitive.NewObjectIDFromTimestamp(fixed.Add(-time.Minute))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			withFile(messageDoc(withObject, 7, 1, "pic", fixed), bson.D{
				{Key: "name", Value: "a.png"},
				{Key: "url", Value: "u"},
				{Key: "file_id", Value: int64(42)},
				{Key: "width", Value: int32(640)},
				{Key: "tags", Value: bson.A{"x", bson.D{{Key: "k", Value: "v"}}}},
			}),
			withFile(messageDoc(withString, 7, 1, "link", fixed.Add(-time.Minute)), "https://cdn/b.png"),
		))

		msgs, err := repo.Fetch(context.Background(), 7, 100, "")
		require.NoError(mt, err)
		require.Len(mt, msgs, 2)
		assert.Equal(mt, "https://cdn/b.png", msgs[0].File)
		assert.Equal(mt, map[string]any{
			"name":    "a.png",
			"url":     "u",
			"file_id": int64(42),
			"width":   int32(640),
			"tags":    []any{"x", map[string]any{"k": "v"}},
		}, msgs[1].File)

		data, err := json.Marshal(models.NewMessageBroadcast(msgs[1]))
		require.NoError(mt, err)
		assert.Contains(mt, string(data), `"file":{"file_id":42,"name":"a.png","tags":["x",{"k":"v"}],"url":"u","width":640}`)
	})

	mt.Run("fetch with empty result", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		msgs, err := repo.Fetch(context.Background(), 7, 100, primitive.NewObjectID().Hex())
		require.NoError(mt, err)
		assert.Empty(mt, msgs)
	})

	mt.Run("fetch rejects malformed cursor", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)

		_, err := repo.Fetch(context.Background(), 7, 100, "not-an-id")
		assert.ErrorIs(mt, err, ErrInvalidCursor)
	})

	mt.Run("fetch command failure", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "boom"}))

		_, err := repo.Fetch(context.Background(), 7, 100, "")
		assert.ErrorIs(mt, err, ErrPersistence)
	})

	mt.Run("soft delete by sender", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		repo.now = func() time.Time { return fixed }
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		id := primitive.NewObjectID()
		n, err := repo.SoftDelete(context.Background(), id.Hex(), 2)
		require.NoError(mt, err)
		assert.Equal(mt, int64(1), n)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "update", evt.CommandName)
		stmt := updateSpec(mt, evt.Command)
		q := stmt.Lookup("q").Document()
		assert.Equal(mt, id, q.Lookup("_id").ObjectID())
		assert.Equal(mt, int64(2), q.Lookup("sender_id").AsInt64())
		assert.False(mt, q.Lookup("deleted").Boolean())
		set := stmt.Lookup("u", "$set").Document()
		assert.True(mt, set.Lookup("deleted").Boolean())
		assert.Equal(mt, fixed.Truncate(time.Millisecond), set.Lookup("edited_at").Time().UTC())
		elems, err := set.Elements()
		require.NoError(mt, err)
		assert.Len(mt, elems, 2)
	})

	mt.Run("soft delete by someone else changes nothing", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		id := primitive.NewObjectID()
		n, err := repo.SoftDelete(context.Background(), id.Hex(), 3)
		require.NoError(mt, err)
		assert.Zero(mt, n)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		q := updateSpec(mt, evt.Command).Lookup("q").Document()
		assert.Equal(mt, id, q.Lookup("_id").ObjectID())
		assert.Equal(mt, int64(3), q.Lookup("sender_id").AsInt64())
		assert.False(mt, q.Lookup("deleted").Boolean())
	})

	mt.Run("soft delete with malformed id", func(mt *mtest.T) {
		repo := NewMessageRepo(mt.Coll)

		_, err := repo.SoftDelete(context.Background(), "xyz", 3)
		assert.ErrorIs(mt, err, ErrInvalidMessageID)
		assert.NotErrorIs(mt, err, ErrInvalidCursor)
		assert.Nil(mt, mt.GetStartedEvent())
	})
}
