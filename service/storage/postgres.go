package storage

import (
	"context"
	"strings"
	"time"

	"ShiftChat/data/database"
	"ShiftChat/tools/errs"
	"ShiftChat/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	sender_id       TEXT NOT NULL,
	receiver_id     TEXT NOT NULL,
	content         TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	application_id  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	read_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS chat_messages_receiver_idx ON chat_messages (receiver_id, created_at DESC);
`

// pgxConn is the slice of *pgxpool.Pool the store needs.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	db    pgxConn
	gen   *ids.Generator
	clock func() time.Time
}

// NewPostgresPool parses dsn, applies maxConns when positive, and pings.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	return pool, nil
}

func NewPostgresStore(db pgxConn, gen *ids.Generator) *PostgresStore {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &PostgresStore{db: db, gen: gen, clock: time.Now}
}

var _ database.Table = (*PostgresStore)(nil)

func (s *PostgresStore) TableName() string { return "chat_messages" }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, pgSchema)
	return errs.WrapMsg(err, "postgres ensure schema")
}

func (s *PostgresStore) CreateMessage(ctx context.Context, in NewMessage) (*Message, error) {
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
		CreatedAt:      s.clock().UTC().Truncate(time.Microsecond),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO chat_messages (id, sender_id, receiver_id, content, conversation_id, application_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.ConversationID, m.ApplicationID, m.CreatedAt)
	if err != nil {
		return nil, errs.WrapMsg(err, "postgres insert message", "receiver", in.ReceiverID)
	}
	return m, nil
}

func (s *PostgresStore) MarkMessagesRead(ctx context.Context, ids []string, receiverID string) (int64, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE chat_messages SET read_at = $1
		 WHERE id = ANY($2) AND receiver_id = $3 AND read_at IS NULL`,
		s.clock().UTC(), ids, receiverID)
	if err != nil {
		return 0, errs.WrapMsg(err, "postgres mark read", "receiver", receiverID, "count", len(ids))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FindMessageSenders(ctx context.Context, ids []string, receiverID string) (map[string][]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, sender_id FROM chat_messages
		 WHERE id = ANY($1) AND receiver_id = $2`,
		ids, receiverID)
	if err != nil {
		return nil, errs.WrapMsg(err, "postgres find senders", "receiver", receiverID)
	}
	senderOf := make(map[string]string, len(ids))
	var id, sender string
	_, err = pgx.ForEachRow(rows, []any{&id, &sender}, func() error {
		senderOf[id] = sender
		return nil
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "postgres scan senders")
	}
	return bySender(ids, senderOf), nil
}
