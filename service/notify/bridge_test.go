package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"ShiftChat/service/natsx"

	"go.uber.org/zap"
)

// loopBroker delivers published messages straight to the subscribed
// handlers, running them through the idempotency middleware like a real
// consumer would.
type loopBroker struct {
	mu       sync.Mutex
	routes   map[string]natsx.NatsxRoute
	handlers map[string]natsx.NatsxHandler
	mws      []natsx.NatsxMiddleware
}

func newLoopBroker(mws ...natsx.NatsxMiddleware) *loopBroker {
	return &loopBroker{
		routes:   make(map[string]natsx.NatsxRoute),
		handlers: make(map[string]natsx.NatsxHandler),
		mws:      mws,
	}
}

func (l *loopBroker) RegisterRoute(r natsx.NatsxRoute) error {
	l.mu.Lock()
	l.routes[r.Biz] = r
	l.mu.Unlock()
	return nil
}

func (l *loopBroker) Subscribe(_ context.Context, biz string, h natsx.NatsxHandler) error {
	l.mu.Lock()
	l.handlers[biz] = natsx.NatsxChain(h, l.mws...)
	l.mu.Unlock()
	return nil
}

func (l *loopBroker) PublishOnce(ctx context.Context, biz, token string, data []byte, hdr map[string]string, msgID string) error {
	l.mu.Lock()
	r, h := l.routes[biz], l.handlers[biz]
	l.mu.Unlock()
	header := map[string]string{natsx.HeaderMsgID: msgID}
	for k, v := range hdr {
		header[k] = v
	}
	return h(ctx, natsx.NatsxMessage{Subject: natsx.SubjectFor(r.Subject, token), Data: data, Header: header})
}

func startBridge(t *testing.T, mws ...natsx.NatsxMiddleware) (*Hub, *Bridge, *loopBroker) {
	t.Helper()
	hub := newTestHub(8)
	broker := newLoopBroker(mws...)
	b := NewBridge(hub, broker, zap.NewNop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return hub, b, broker
}

func TestBridge_UserAndBroadcast(t *testing.T) {
	hub, b, _ := startBridge(t)
	w := hub.Subscribe("worker-2")
	o := hub.Subscribe("owner-1")
	ctx := context.Background()

	if err := b.PublishUser(ctx, "worker-2", Event{Type: TypeNotification, Data: "application accepted"}); err != nil {
		t.Fatal(err)
	}
	if ev := <-w.Events(); ev.Data != "application accepted" {
		t.Errorf("user event %+v", ev)
	}
	if len(o.Events()) != 0 {
		t.Error("user event leaked to another identity")
	}

	if err := b.PublishBroadcast(ctx, Event{Data: "maintenance"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range []*Stream{w, o} {
		if ev := <-s.Events(); ev.Type != TypeNotification || ev.Data != "maintenance" {
			t.Errorf("broadcast event %+v", ev)
		}
	}
}

func TestBridge_IgnoresOfflineAndGarbage(t *testing.T) {
	hub, b, _ := startBridge(t)
	ctx := context.Background()

	if err := b.PublishUser(ctx, "nobody", Event{Type: TypeNotification}); err != nil {
		t.Errorf("offline user should not fail: %v", err)
	}
	if err := b.HandleUser(ctx, natsx.NatsxMessage{Subject: "notify.user.x", Data: []byte("{")}); err != nil {
		t.Errorf("garbage payload should be dropped, got %v", err)
	}
	if err := b.HandleUser(ctx, natsx.NatsxMessage{Subject: "elsewhere", Data: []byte("{}")}); err == nil {
		t.Error("subject without user accepted")
	}
	if hub.Count() != 0 {
		t.Error("bridge opened streams")
	}
}

func TestBridge_DuplicateMessageIDSuppressed(t *testing.T) {
	ctx := context.Background()
	idem := natsx.NatsxIdemMiddleware(natsx.NewMemIdem(time.Minute), time.Minute, zap.NewNop())
	hub, _, broker := startBridge(t, idem)
	s := hub.Subscribe("worker-2")

	for i := 0; i < 3; i++ {
		_ = broker.PublishOnce(ctx, BizUser, "worker-2", []byte(`{"type":"notification","data":"x"}`), nil, "same-id")
	}
	if n := len(s.Events()); n != 1 {
		t.Errorf("got %d events for one message id", n)
	}
}

func TestRoutes_DurableSwitch(t *testing.T) {
	core := Routes(nil)
	for _, r := range core {
		if r.Mode != natsx.Core {
			t.Errorf("%s: mode %d without durable", r.Biz, r.Mode)
		}
	}

	rs := Routes(&Durable{Stream: "SHIFTCHAT_NOTIFY", Consumer: "notify-user-3", MaxAge: time.Hour})
	user, broadcast := rs[0], rs[1]
	if user.Biz != BizUser || user.Mode != natsx.JetStreamPush || user.Stream != "SHIFTCHAT_NOTIFY" ||
		user.Durable != "notify-user-3" || user.MaxAge != time.Hour || user.Queue != "" {
		t.Errorf("user route %+v", user)
	}
	if broadcast.Biz != BizBroadcast || broadcast.Mode != natsx.Core {
		t.Errorf("broadcast route %+v", broadcast)
	}
}

func TestBridge_StartRegistersDurableUserRoute(t *testing.T) {
	hub := newTestHub(8)
	broker := newLoopBroker()
	b := NewBridge(hub, broker, zap.NewNop())
	b.Durable = &Durable{Stream: "SHIFTCHAT_NOTIFY", Consumer: "notify-user-1"}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := broker.routes[BizUser]; r.Mode != natsx.JetStreamPush || r.Durable != "notify-user-1" {
		t.Errorf("registered %+v", r)
	}

	s := hub.Subscribe("worker-2")
	if err := b.PublishUser(context.Background(), "worker-2", Event{Type: TypeNotification, Data: "x"}); err != nil {
		t.Fatal(err)
	}
	if ev := <-s.Events(); ev.Data != "x" {
		t.Errorf("event %+v", ev)
	}
}
