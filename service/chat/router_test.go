package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"ShiftChat/service/storage"
	"ShiftChat/tools/errs"
)

type routerFixture struct {
	reg    *Registry
	store  *recordingStore
	router *Router
}

func newRouterFixture(t *testing.T, sink OfflineSink) *routerFixture {
	t.Helper()
	reg := NewRegistry(RegistryConf{})
	store := newRecordingStore()
	r := NewRouter(store, NewDispatcher(reg, nil), sink, RouterConf{MaxContent: 20}, nil)
	return &routerFixture{reg: reg, store: store, router: r}
}

func (f *routerFixture) send(c *Conn, typ string, data any) {
	f.router.HandleFrame(context.Background(), c, frame(typ, data))
}

func frame(typ string, data any) []byte {
	b, _ := json.Marshal(map[string]any{"type": typ, "data": data})
	return b
}

// A 连一条，B 开两个标签页；A 发 "hi" 给 B
func TestRouter_EndToEndTwoTabs(t *testing.T) {
	f := newRouterFixture(t, nil)
	c1 := testConn(t, f.reg, "A")
	c2 := testConn(t, f.reg, "B")
	c3 := testConn(t, f.reg, "B")

	f.send(c1, TypeMessage, map[string]any{"receiver_id": "B", "content": "hi", "sender_id": "forged"})

	calls := f.store.createCalls()
	if len(calls) != 1 {
		t.Fatalf("persist calls: got %d, want 1", len(calls))
	}
	if calls[0].SenderID != "A" || calls[0].ReceiverID != "B" || calls[0].Content != "hi" {
		t.Errorf("persisted %+v", calls[0])
	}

	for _, c := range []*Conn{c2, c3} {
		got := drain(t, c)
		if len(got) != 1 || got[0].Type != TypeNewMessage {
			t.Fatalf("%s: got %v", c.Key(), types(got))
		}
		var m storage.Message
		_ = json.Unmarshal(got[0].Data, &m)
		if m.Content != "hi" || m.SenderID != "A" {
			t.Errorf("new_message payload: %+v", m)
		}
	}

	got := drain(t, c1)
	if len(got) != 1 || got[0].Type != TypeMessageSent {
		t.Fatalf("sender: got %v", types(got))
	}
	var ack MessageSentData
	_ = json.Unmarshal(got[0].Data, &ack)
	if !ack.Delivered {
		t.Error("ack should report delivered")
	}

	if f.reg.Count() != 3 || len(f.reg.ConnectionsFor("B")) != 2 {
		t.Error("registry changed by routing")
	}
}

func TestRouter_PersistFailureNoDelivery(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.store.failWrite = true
	a := testConn(t, f.reg, "A")
	b := testConn(t, f.reg, "B")

	f.send(a, TypeMessage, map[string]any{"receiver_id": "B", "content": "hi"})

	if got := drain(t, b); len(got) != 0 {
		t.Fatalf("receiver got %v after failed persist", types(got))
	}
	got := drain(t, a)
	if len(got) != 1 || errorCode(t, got[0]) != errs.ErrPersistCode {
		t.Fatalf("sender: got %v", types(got))
	}
	if !a.Alive() {
		t.Error("connection closed on persist failure")
	}
}

func TestRouter_OfflineReceiverGoesToSink(t *testing.T) {
	var sunk []*storage.Message
	f := newRouterFixture(t, sinkFunc(func(_ context.Context, m *storage.Message) error {
		sunk = append(sunk, m)
		return nil
	}))
	a := testConn(t, f.reg, "A")

	f.send(a, TypeMessage, map[string]any{"receiver_id": "B", "content": "are you free"})

	if len(sunk) != 1 || sunk[0].ReceiverID != "B" {
		t.Fatalf("sink: %v", sunk)
	}
	got := drain(t, a)
	var ack MessageSentData
	_ = json.Unmarshal(got[0].Data, &ack)
	if got[0].Type != TypeMessageSent || ack.Delivered {
		t.Errorf("ack: %s delivered=%v", got[0].Type, ack.Delivered)
	}
	if f.store.Len() != 1 {
		t.Error("offline message must stay stored")
	}
}

func TestRouter_ReadReceiptTwoSenders(t *testing.T) {
	f := newRouterFixture(t, nil)
	s1 := testConn(t, f.reg, "S1")
	s2 := testConn(t, f.reg, "S2")
	r := testConn(t, f.reg, "R")
	other := testConn(t, f.reg, "U")

	f.send(s1, TypeMessage, map[string]any{"receiver_id": "R", "content": "one"})
	f.send(s2, TypeMessage, map[string]any{"receiver_id": "R", "content": "two"})
	var ids []string
	sentBy := map[string]string{}
	for _, env := range drain(t, r) {
		var m storage.Message
		_ = json.Unmarshal(env.Data, &m)
		ids = append(ids, m.ID)
		sentBy[m.SenderID] = m.ID
	}
	drain(t, s1)
	drain(t, s2)

	f.send(r, TypeSeen, map[string]any{"message_ids": ids, "reader_id": "R"})

	for _, c := range []*Conn{s1, s2} {
		got := drain(t, c)
		if len(got) != 1 || got[0].Type != TypeMessagesSeen {
			t.Fatalf("%s: got %v", c.UserID(), types(got))
		}
		var d MessagesSeenData
		_ = json.Unmarshal(got[0].Data, &d)
		if d.ReaderID != "R" || len(d.MessageIDs) != 1 || d.MessageIDs[0] != sentBy[c.UserID()] {
			t.Errorf("%s payload: %+v", c.UserID(), d)
		}
	}
	if got := drain(t, r); len(got) != 0 {
		t.Errorf("reader got %v", types(got))
	}
	if got := drain(t, other); len(got) != 0 {
		t.Errorf("unrelated user got %v", types(got))
	}

	// 再次回执：没有行被更新，不再通知
	f.send(r, TypeSeen, map[string]any{"message_ids": ids})
	if len(drain(t, s1))+len(drain(t, s2)) != 0 {
		t.Error("repeat receipt notified senders")
	}
}

func TestRouter_ReadReceiptRejections(t *testing.T) {
	f := newRouterFixture(t, nil)
	r := testConn(t, f.reg, "R")

	f.send(r, TypeSeen, map[string]any{"message_ids": []string{"1"}, "reader_id": "someone-else"})
	if got := drain(t, r); len(got) != 1 || errorCode(t, got[0]) != errs.ErrForbiddenCode {
		t.Errorf("reader mismatch: %v", types(got))
	}

	f.store.failRead = true
	f.send(r, TypeSeen, map[string]any{"message_ids": []string{"1"}})
	if got := drain(t, r); len(got) != 1 || errorCode(t, got[0]) != errs.ErrPersistCode {
		t.Errorf("store failure: %v", types(got))
	}
}

func TestRouter_Typing(t *testing.T) {
	f := newRouterFixture(t, nil)
	a := testConn(t, f.reg, "A")
	b := testConn(t, f.reg, "B")

	f.send(a, TypeTyping, map[string]any{"receiver_id": "B", "is_typing": true, "conversation_id": "c9"})
	got := drain(t, b)
	if len(got) != 1 || got[0].Type != TypeTypingIndicator {
		t.Fatalf("receiver: %v", types(got))
	}
	var d TypingIndicatorData
	_ = json.Unmarshal(got[0].Data, &d)
	if d.SenderID != "A" || !d.IsTyping || d.ConversationID != "c9" {
		t.Errorf("payload %+v", d)
	}

	// 离线接收方：静默丢弃，不回错误，不落库
	f.send(a, TypeTyping, map[string]any{"receiver_id": "nobody"})
	if got := drain(t, a); len(got) != 0 {
		t.Errorf("sender got %v", types(got))
	}
	if len(f.store.createCalls()) != 0 {
		t.Error("typing must not persist")
	}
}

func TestRouter_ProtocolErrors(t *testing.T) {
	f := newRouterFixture(t, nil)
	a := testConn(t, f.reg, "A")
	b := testConn(t, f.reg, "B")

	cases := []struct {
		name string
		raw  []byte
		code int
	}{
		{"malformed", []byte(`{"type":`), errs.ErrBadFrameCode},
		{"unknown", frame("dance", nil), errs.ErrUnknownTypeCode},
		{"missing type", []byte(`{"data":{}}`), errs.ErrBadFrameCode},
		{"empty content", frame(TypeMessage, map[string]any{"receiver_id": "B", "content": "  "}), errs.ArgsError},
		{"too long", frame(TypeMessage, map[string]any{"receiver_id": "B", "content": strings.Repeat("é", 21)}), errs.ArgsError},
		{"data not object", frame(TypeSeen, []int{1}), errs.ArgsError},
	}
	for _, tc := range cases {
		f.router.HandleFrame(context.Background(), a, tc.raw)
		got := drain(t, a)
		if len(got) != 1 {
			t.Fatalf("%s: got %d frames", tc.name, len(got))
		}
		if code := errorCode(t, got[0]); code != tc.code {
			t.Errorf("%s: code %d, want %d", tc.name, code, tc.code)
		}
		if !a.Alive() {
			t.Fatalf("%s: connection closed", tc.name)
		}
	}
	if got := drain(t, b); len(got) != 0 {
		t.Errorf("bystander got %v", types(got))
	}
}

func TestRouter_RateLimited(t *testing.T) {
	f := newRouterFixture(t, nil)
	a := newConn(nil, ConnConf{SendQueue: 8, FrameRate: 0.001, FrameBurst: 2})
	f.reg.Register("A", a)
	testConn(t, f.reg, "B")

	for i := 0; i < 3; i++ {
		f.send(a, TypeTyping, map[string]any{"receiver_id": "B", "is_typing": i%2 == 0})
	}
	got := drain(t, a)
	if len(got) != 1 || errorCode(t, got[0]) != errs.ErrRateLimitedCode {
		t.Fatalf("got %v", types(got))
	}

	a.setLimit(0, 0)
	f.send(a, TypeTyping, map[string]any{"receiver_id": "B"})
	if got := drain(t, a); len(got) != 0 {
		t.Errorf("limit lift ignored: %v", fmt.Sprint(types(got)))
	}
}
