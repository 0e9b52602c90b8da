package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"ShiftChat/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options 构造 Server 的依赖；Store 必填，其余可选
type Options struct {
	Store       MessageStore
	Sink        OfflineSink
	Presence    PresenceHook
	Clock       func() time.Time
	Logger      *zap.Logger
	Conn        ConnConf
	MaxPerUser  int
	MaxContent  int
	CheckOrigin func(r *http.Request) bool
}

// Server owns one registry per process and exposes delivery to the rest of
// the marketplace.
type Server struct {
	reg    *Registry
	disp   *Dispatcher
	router *Router

	upgrader websocket.Upgrader
	connConf ConnConf
	clock    func() time.Time
	log      *zap.Logger

	mu       sync.RWMutex // 保护 connConf 的限流字段
	handlers sync.WaitGroup
	closing  bool // 由 mu 保护；置位后不再接受新连接
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("chat: message store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("chat")
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	opts.Conn.norm()

	reg := NewRegistry(RegistryConf{MaxPerUser: opts.MaxPerUser, Clock: opts.Clock, Presence: opts.Presence})
	disp := NewDispatcher(reg, opts.Logger.Named("dispatch"))
	router := NewRouter(opts.Store, disp, opts.Sink, RouterConf{MaxContent: opts.MaxContent, Clock: opts.Clock},
		opts.Logger.Named("router"))

	return &Server{
		reg:    reg,
		disp:   disp,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		connConf: opts.Conn,
		clock:    opts.Clock,
		log:      opts.Logger,
	}, nil
}

func (s *Server) Registry() *Registry     { return s.reg }
func (s *Server) Dispatcher() *Dispatcher { return s.disp }
func (s *Server) Router() *Router         { return s.router }

// DeliverToUser pushes an encoded envelope to every connection of userID.
func (s *Server) DeliverToUser(userID string, payload []byte) bool {
	return s.disp.Deliver(userID, payload)
}

func (s *Server) IsUserOnline(userID string) bool {
	return s.reg.IsOnline(userID)
}

// Broadcast pushes payload to every connection and returns the accepted count.
func (s *Server) Broadcast(payload []byte) int {
	return s.disp.BroadcastAll(payload)
}

// UpdateLimits 热更新限流；新连接和已有连接都生效
func (s *Server) UpdateLimits(frameRate float64, burst int) {
	s.mu.Lock()
	s.connConf.FrameRate, s.connConf.FrameBurst = frameRate, burst
	s.mu.Unlock()
	for _, c := range s.reg.All() {
		c.setLimit(frameRate, burst)
	}
	s.log.Info("frame limits updated", zap.Float64("rate", frameRate), zap.Int("burst", burst))
}

func (s *Server) conf() ConnConf {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connConf
}

// enter counts one connection handler unless Shutdown has begun.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) shuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// Shutdown refuses new upgrades, closes every connection with 1001 so
// clients reconnect elsewhere, then waits for the connection handlers to
// return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	n := s.reg.CloseAll(websocket.CloseGoingAway, "server shutdown")
	s.log.Info("closing connections", zap.Int("count", n))

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
