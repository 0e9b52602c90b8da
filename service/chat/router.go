package chat

import (
	"context"
	"time"
	"unicode/utf8"

	"ShiftChat/service/storage"
	"ShiftChat/tools/errs"

	"go.uber.org/zap"
)

// MessageStore is the persistence collaborator. All calls must be durable
// before they return.
type MessageStore interface {
	CreateMessage(ctx context.Context, in storage.NewMessage) (*storage.Message, error)
	// MarkMessagesRead stamps read_at on the listed messages addressed to
	// receiverID and returns how many rows changed.
	MarkMessagesRead(ctx context.Context, ids []string, receiverID string) (int64, error)
	// FindMessageSenders groups the listed messages addressed to receiverID
	// by sender.
	FindMessageSenders(ctx context.Context, ids []string, receiverID string) (map[string][]string, error)
}

// OfflineSink receives persisted messages whose receiver had no live
// connection, for push/email follow-up.
type OfflineSink interface {
	Offline(ctx context.Context, m *storage.Message) error
}

type RouterConf struct {
	MaxContent int // 消息正文最大字符数（rune），<=0 不限制
	Clock      func() time.Time
}

// Router handles inbound frames of one connection at a time; it keeps no
// per-frame state.
type Router struct {
	store MessageStore
	disp  *Dispatcher
	sink  OfflineSink
	conf  RouterConf
	log   *zap.Logger
}

func NewRouter(store MessageStore, disp *Dispatcher, sink OfflineSink, conf RouterConf, log *zap.Logger) *Router {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: store, disp: disp, sink: sink, conf: conf, log: log}
}

// HandleFrame parses raw and routes it. Every failure is answered with an
// error frame on src; the connection stays open.
func (r *Router) HandleFrame(ctx context.Context, src *Conn, raw []byte) {
	if !src.Allow() {
		src.Push(ErrorFrame(errs.ErrRateLimited.Wrap()))
		return
	}

	f, err := ParseFrame(raw)
	if err != nil {
		sample := raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		r.log.Info("bad frame", zap.String("key", src.Key()), zap.Error(err),
			zap.ByteString("sample", sample), zap.Int("len", len(raw)))
		src.Push(ErrorFrame(err))
		return
	}

	if err := f.accept(&frameRoute{r: r, ctx: ctx, src: src}); err != nil {
		r.log.Info("frame rejected", zap.String("key", src.Key()), zap.String("kind", f.Kind()), zap.Error(err))
		src.Push(ErrorFrame(err))
	}
}

// frameRoute binds one frame's context to the router.
type frameRoute struct {
	r   *Router
	ctx context.Context
	src *Conn
}

func (fr *frameRoute) visitMessage(f *ChatMessageFrame) error {
	r := fr.r
	if r.conf.MaxContent > 0 && utf8.RuneCountInString(f.Content) > r.conf.MaxContent {
		return errs.ErrArgs.WrapMsg("content too long", "max", r.conf.MaxContent)
	}

	m, err := r.store.CreateMessage(fr.ctx, storage.NewMessage{
		SenderID:       fr.src.UserID(), // 以握手身份为准，不信任客户端字段
		ReceiverID:     f.ReceiverID,
		Content:        f.Content,
		ConversationID: f.ConversationID,
		ApplicationID:  f.ApplicationID,
	})
	if err != nil {
		r.log.Error("persist message failed", zap.String("sender", fr.src.UserID()),
			zap.String("receiver", f.ReceiverID), zap.Error(err))
		return errs.ErrPersist.Wrap()
	}

	delivered := r.disp.Deliver(m.ReceiverID, NewMessageFrame(m))
	fr.src.Push(MessageSentFrame(m, f.ClientMsgID, delivered))

	if !delivered && r.sink != nil {
		if err := r.sink.Offline(fr.ctx, m); err != nil {
			r.log.Warn("offline sink failed", zap.String("id", m.ID), zap.Error(err))
		}
	}
	return nil
}

func (fr *frameRoute) visitTyping(f *TypingFrame) error {
	// 接收方不在线直接丢弃
	fr.r.disp.Deliver(f.ReceiverID, Encode(TypeTypingIndicator, TypingIndicatorData{
		SenderID:       fr.src.UserID(),
		ReceiverID:     f.ReceiverID,
		ConversationID: f.ConversationID,
		IsTyping:       f.IsTyping,
	}))
	return nil
}

func (fr *frameRoute) visitSeen(f *SeenFrame) error {
	r, reader := fr.r, fr.src.UserID()
	if f.ReaderID != "" && f.ReaderID != reader {
		return errs.ErrForbidden.WrapMsg("reader mismatch")
	}

	n, err := r.store.MarkMessagesRead(fr.ctx, f.MessageIDs, reader)
	if err != nil {
		r.log.Error("mark read failed", zap.String("reader", reader), zap.Error(err))
		return errs.ErrPersist.Wrap()
	}
	if n == 0 {
		return nil
	}

	senders, err := r.store.FindMessageSenders(fr.ctx, f.MessageIDs, reader)
	if err != nil {
		r.log.Error("find senders failed", zap.String("reader", reader), zap.Error(err))
		return errs.ErrPersist.Wrap()
	}

	// 每个发送方只收到自己发出的那几条
	readAt := r.conf.Clock().UTC()
	notified := 0
	for sender, own := range senders {
		if sender == reader {
			continue
		}
		r.disp.Deliver(sender, Encode(TypeMessagesSeen, MessagesSeenData{
			ReaderID:   reader,
			MessageIDs: own,
			ReadAt:     readAt,
		}))
		notified++
	}
	r.log.Debug("read receipt", zap.String("reader", reader), zap.Int64("rows", n),
		zap.Int("senders", notified))
	return nil
}
