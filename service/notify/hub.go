// Package notify is the server-push notification channel: one SSE stream per
// identity, fed by Push/Broadcast. Events pushed while no stream is open are
// dropped; there is no replay buffer.
package notify

import (
	"sort"
	"sync"
	"time"

	"ShiftChat/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TypeConnection   = "connection"
	TypeNotification = "notification"
)

// Event is one notification; it is written to the stream as {"type","data"}.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Conf struct {
	Buffer    int           // 每个流的事件缓冲
	Heartbeat time.Duration // 心跳注释间隔，<=0 关闭
}

func (c *Conf) norm() {
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
}

// Stream is the hub side of one open SSE response.
type Stream struct {
	id       string
	userID   string
	openedAt time.Time
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *Stream) ID() string            { return s.id }
func (s *Stream) UserID() string        { return s.userID }
func (s *Stream) OpenedAt() time.Time   { return s.openedAt }
func (s *Stream) Events() <-chan Event  { return s.events }
func (s *Stream) Done() <-chan struct{} { return s.done }
func (s *Stream) stop()                 { s.once.Do(func() { close(s.done) }) }

func (s *Stream) offer(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

type Hub struct {
	conf Conf
	log  *zap.Logger

	mu      sync.RWMutex
	streams map[string]*Stream // userID -> 当前流
}

func NewHub(conf Conf, log *zap.Logger) *Hub {
	conf.norm()
	if log == nil {
		log = logger.Named("notify")
	}
	return &Hub{conf: conf, log: log, streams: make(map[string]*Stream)}
}

// Subscribe opens a stream for userID. A previous stream of the same identity
// is stopped and replaced.
func (h *Hub) Subscribe(userID string) *Stream {
	s := &Stream{
		id:       uuid.NewString(),
		userID:   userID,
		openedAt: time.Now(),
		events:   make(chan Event, h.conf.Buffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	old := h.streams[userID]
	h.streams[userID] = s
	h.mu.Unlock()

	if old != nil {
		old.stop()
		h.log.Info("stream replaced", zap.String("user", userID), zap.String("old", old.id), zap.String("new", s.id))
	}
	return s
}

// Unsubscribe removes s if it is still the identity's current stream.
func (h *Hub) Unsubscribe(s *Stream) bool {
	s.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.streams[s.userID]; ok && cur == s {
		delete(h.streams, s.userID)
		return true
	}
	return false
}

// Push offers ev to userID's stream without blocking.
func (h *Hub) Push(userID string, ev Event) bool {
	h.mu.RLock()
	s := h.streams[userID]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	if !s.offer(ev) {
		h.log.Warn("notification dropped", zap.String("user", userID), zap.String("type", ev.Type))
		return false
	}
	return true
}

// Broadcast offers ev to every open stream and returns how many accepted it.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.RLock()
	all := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		all = append(all, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range all {
		if s.offer(ev) {
			n++
		}
	}
	return n
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.streams[userID]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Users returns the identities with an open stream, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.streams))
	for u := range h.streams {
		out = append(out, u)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CloseAll stops every stream; their handlers return and the responses end.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	all := h.streams
	h.streams = make(map[string]*Stream)
	h.mu.Unlock()
	for _, s := range all {
		s.stop()
	}
	return len(all)
}
