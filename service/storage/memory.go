package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"ShiftChat/tools/errs"
	"ShiftChat/tools/ids"
)

// MemoryStore 进程内消息存储：单机开发和测试用，重启即丢
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Message
	gen   *ids.Generator
	clock func() time.Time
}

func NewMemoryStore(gen *ids.Generator) *MemoryStore {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &MemoryStore{
		byID:  make(map[string]*Message),
		gen:   gen,
		clock: time.Now,
	}
}

// WithClock 可注入时钟（单测用）
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) CreateMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
		CreatedAt:      s.clock().UTC(),
	}
	s.mu.Lock()
	s.byID[m.ID] = m
	s.mu.Unlock()

	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, ids []string, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	var n int64

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range dedupe(ids) {
		m, ok := s.byID[id]
		if !ok || m.ReceiverID != receiverID || m.ReadAt != nil {
			continue
		}
		at := now
		m.ReadAt = &at
		n++
	}
	return n, nil
}

func (s *MemoryStore) FindMessageSenders(ctx context.Context, ids []string, receiverID string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	s.mu.RLock()
	defer s.mu.RUnlock()

	senderOf := make(map[string]string)
	for _, id := range ids {
		if m, ok := s.byID[id]; ok && m.ReceiverID == receiverID {
			senderOf[id] = m.SenderID
		}
	}
	return bySender(ids, senderOf), nil
}

// Get 按 id 取一条（拷贝）
func (s *MemoryStore) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// Len 消息总数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
