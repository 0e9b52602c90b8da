package storage

import (
	"context"
	"strings"
	"time"

	"ShiftChat/data/database"
	"ShiftChat/tools/errs"
	"ShiftChat/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultMongoCollection = "chat_messages"

var _ database.Table = (*MongoStore)(nil)

// MongoStore keeps messages in one collection keyed by snowflake id.
type MongoStore struct {
	coll  *mongo.Collection
	gen   *ids.Generator
	clock func() time.Time
}

func NewMongoStore(db *mongo.Database, collection string, gen *ids.Generator) *MongoStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return newMongoStore(db.Collection(collection), gen)
}

func newMongoStore(coll *mongo.Collection, gen *ids.Generator) *MongoStore {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &MongoStore{coll: coll, gen: gen, clock: time.Now}
}

func (s *MongoStore) TableName() string { return s.coll.Name() }

// Migrate 收件箱按时间倒序；已读回执按 _id + receiver_id 过滤
func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetSparse(true)},
	})
	return errs.WrapMsg(err, "mongo ensure indexes", "collection", s.coll.Name())
}

func (s *MongoStore) CreateMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if strings.TrimSpace(in.SenderID) == "" || strings.TrimSpace(in.ReceiverID) == "" {
		return nil, errs.ErrArgs.WrapMsg("sender and receiver required")
	}
	m := &Message{
		ID:             s.gen.NextString(),
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ConversationID: in.ConversationID,
		ApplicationID:  in.ApplicationID,
		CreatedAt:      s.clock().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return nil, errs.WrapMsg(err, "mongo insert message", "receiver", in.ReceiverID)
	}
	return m, nil
}

func (s *MongoStore) MarkMessagesRead(ctx context.Context, ids []string, receiverID string) (int64, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{
		"_id":         bson.M{"$in": ids},
		"receiver_id": receiverID,
		"read_at":     nil,
	}
	update := bson.M{"$set": bson.M{"read_at": s.clock().UTC().Truncate(time.Millisecond)}}
	res, err := s.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, errs.WrapMsg(err, "mongo mark read", "receiver", receiverID, "count", len(ids))
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) FindMessageSenders(ctx context.Context, ids []string, receiverID string) (map[string][]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := s.coll.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "receiver_id": receiverID},
		options.Find().SetProjection(bson.M{"_id": 1, "sender_id": 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo find senders", "receiver", receiverID)
	}
	var docs []struct {
		ID       string `bson:"_id"`
		SenderID string `bson:"sender_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.WrapMsg(err, "mongo decode senders", "receiver", receiverID)
	}
	senderOf := make(map[string]string, len(docs))
	for _, d := range docs {
		if d.SenderID != "" {
			senderOf[d.ID] = d.SenderID
		}
	}
	return bySender(ids, senderOf), nil
}
