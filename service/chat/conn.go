package chat

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ===== 配置 =====

type ConnConf struct {
	SendQueue  int           // 每连接发送队列长度
	ReadLimit  int64         // 单帧最大字节数
	PongWait   time.Duration // 超过该时间没有 pong 视为死连接
	PingPeriod time.Duration // 必须小于 PongWait
	WriteWait  time.Duration // 单次写超时
	FrameRate  float64       // 每秒帧数，<=0 不限流
	FrameBurst int
}

func (c *ConnConf) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.FrameRate > 0 && c.FrameBurst <= 0 {
		c.FrameBurst = int(c.FrameRate) + 1
	}
}

func (c ConnConf) limit() rate.Limit {
	if c.FrameRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.FrameRate)
}

// ===== 数据结构 =====

// Conn is one live chat socket. Identity and key are bound by
// Registry.Register and never change afterwards.
type Conn struct {
	key       string
	userID    string
	createdAt time.Time

	ws     *websocket.Conn
	remote net.Addr
	send   chan []byte // 每连接独立发送队列，单写协程消费

	limiter *rate.Limiter
	conf    ConnConf

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, conf ConnConf) *Conn {
	conf.norm()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:        ws,
		send:      make(chan []byte, conf.SendQueue),
		limiter:   rate.NewLimiter(conf.limit(), conf.FrameBurst),
		conf:      conf,
		ctx:       ctx,
		cancel:    cancel,
		closeCode: websocket.CloseNormalClosure,
	}
	if ws != nil {
		c.remote = ws.RemoteAddr()
	}
	return c
}

func (c *Conn) Key() string          { return c.key }
func (c *Conn) UserID() string       { return c.userID }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Context is cancelled when the connection closes; store calls made on
// behalf of this connection use it.
func (c *Conn) Context() context.Context { return c.ctx }

// Alive reports whether the transport is still open.
func (c *Conn) Alive() bool { return !c.closed.Load() }

// Push enqueues payload without blocking. A closed connection or a full
// send queue yields false.
func (c *Conn) Push(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// Allow consumes one token of the per-connection frame budget.
func (c *Conn) Allow() bool { return c.limiter.Allow() }

func (c *Conn) setLimit(r float64, burst int) {
	conf := ConnConf{FrameRate: r, FrameBurst: burst}
	conf.norm()
	c.limiter.SetLimit(conf.limit())
	c.limiter.SetBurst(conf.FrameBurst)
}

// Close 幂等；写协程发送 close 帧后关闭底层连接
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		c.closed.Store(true)
		// close 帧要在写协程关闭底层连接之前发出
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(c.conf.WriteWait))
		}
		c.cancel()
	})
}

// writePump drains send and keeps the peer alive with pings. It is the only
// goroutine writing data frames to ws.
func (c *Conn) writePump(log *zap.Logger) {
	ticker := time.NewTicker(c.conf.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("write failed", zap.String("key", c.key), zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.conf.WriteWait)); err != nil {
				log.Debug("ping failed", zap.String("key", c.key), zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readPump 只读不写；每帧处理完才读下一帧，保证单连接内顺序。
func (c *Conn) readPump(log *zap.Logger, onFrame func(data []byte)) {
	c.ws.SetReadLimit(c.conf.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
				log.Debug("closed locally", zap.String("key", c.key), zap.Int("code", c.closeCode))
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			):
				log.Info("peer closed", zap.String("key", c.key), zap.String("user", c.userID))
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					log.Info("read timeout", zap.String("key", c.key), zap.String("user", c.userID))
				} else {
					log.Info("read error", zap.String("key", c.key), zap.String("user", c.userID), zap.Error(err))
				}
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		onFrame(data)
	}
}
