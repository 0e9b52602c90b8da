package storage

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(nil).WithClock(func() time.Time { return at })

	m1, err := s.CreateMessage(ctx, NewMessage{SenderID: "owner", ReceiverID: "worker", Content: "shift at 9?"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	m2, _ := s.CreateMessage(ctx, NewMessage{SenderID: "manager", ReceiverID: "worker", Content: "bring apron"})
	m3, _ := s.CreateMessage(ctx, NewMessage{SenderID: "owner", ReceiverID: "other", Content: "not yours"})
	if m1.ID == "" || m1.ID == m2.ID || !m1.CreatedAt.Equal(at) {
		t.Fatalf("ids/time: %+v %+v", m1, m2)
	}

	ids := []string{m1.ID, m2.ID, m3.ID, m1.ID, "missing"}
	n, err := s.MarkMessagesRead(ctx, ids, "worker")
	if err != nil || n != 2 {
		t.Fatalf("MarkMessagesRead: n=%d err=%v", n, err)
	}
	if got, _ := s.Get(m3.ID); got.ReadAt != nil {
		t.Error("message of another receiver must not be marked")
	}
	if n, _ := s.MarkMessagesRead(ctx, ids, "worker"); n != 0 {
		t.Errorf("second mark: got %d, want 0", n)
	}

	senders, err := s.FindMessageSenders(ctx, ids, "worker")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{"owner": {m1.ID}, "manager": {m2.ID}}
	if !reflect.DeepEqual(senders, want) {
		t.Errorf("senders: %v", senders)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	s := NewMemoryStore(nil)
	if _, err := s.CreateMessage(context.Background(), NewMessage{SenderID: "a"}); err == nil {
		t.Error("missing receiver should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.CreateMessage(ctx, NewMessage{SenderID: "a", ReceiverID: "b"}); err == nil {
		t.Error("cancelled context should fail")
	}
	if s.Len() != 0 {
		t.Errorf("len: %d", s.Len())
	}
}
