package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ShiftChat/service/storage"
)

// fakeClock 每次调用前进 1ms
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func testConn(t *testing.T, reg *Registry, user string) *Conn {
	t.Helper()
	c := newConn(nil, ConnConf{SendQueue: 32})
	reg.Register(user, c)
	return c
}

// drain 非阻塞取出已入队的帧
func drain(t *testing.T, c *Conn) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b := <-c.send:
			var env Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("bad outbound json %q: %v", b, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func errorCode(t *testing.T, env Envelope) int {
	t.Helper()
	if env.Type != TypeError {
		t.Fatalf("want error frame, got %s", env.Type)
	}
	var d ErrorData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		t.Fatal(err)
	}
	return d.Code
}

// recordingStore 包一层内存存储：记录调用，可注入失败
type recordingStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	creates   []storage.NewMessage
	failWrite bool
	failRead  bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: storage.NewMemoryStore(nil)}
}

func (s *recordingStore) CreateMessage(ctx context.Context, in storage.NewMessage) (*storage.Message, error) {
	s.mu.Lock()
	s.creates = append(s.creates, in)
	fail := s.failWrite
	s.mu.Unlock()
	if fail {
		return nil, errors.New("db down")
	}
	return s.MemoryStore.CreateMessage(ctx, in)
}

func (s *recordingStore) MarkMessagesRead(ctx context.Context, ids []string, receiverID string) (int64, error) {
	if s.failRead {
		return 0, errors.New("db down")
	}
	return s.MemoryStore.MarkMessagesRead(ctx, ids, receiverID)
}

func (s *recordingStore) createCalls() []storage.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.NewMessage(nil), s.creates...)
}

type sinkFunc func(ctx context.Context, m *storage.Message) error

func (f sinkFunc) Offline(ctx context.Context, m *storage.Message) error { return f(ctx, m) }
