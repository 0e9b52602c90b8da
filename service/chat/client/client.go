package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"ShiftChat/logger"
	"ShiftChat/service/chat"
	"ShiftChat/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	URL    string      // ws(s)://host/ws/chat?token=...
	Header http.Header // 可放 Authorization: Bearer ...
	Dialer *websocket.Dialer

	Config    Config
	WriteWait time.Duration

	OnConnect    func()
	OnDisconnect func(code int)
	OnMessage    func(typ string, data json.RawMessage)
	OnError      func(msg string)

	Logger *zap.Logger
}

// Client drives a Machine over a real websocket. All transitions and all
// writes happen under mu. User callbacks run in order on one goroutine at a
// time under cbMu, outside mu, and each is skipped once the client is
// unmounted.
type Client struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	m          *Machine
	ws         *websocket.Conn
	cancelDial context.CancelFunc
	retry      *time.Timer
	pending    []func() // 待执行回调，由 mu 保护
	draining   bool

	cbMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("chat.client")
	}
	return &Client{opts: opts, log: opts.Logger, m: NewMachine(opts.Config)}, nil
}

// Connect is the mount entry point.
func (c *Client) Connect() { c.fire(ConnectRequested{}) }

// Reconnect resets the attempt counter and any terminal error, then connects
// unless already connecting or connected.
func (c *Client) Reconnect() { c.fire(ReconnectRequested{}) }

// Disconnect closes with normal closure; no retry follows. Idempotent.
func (c *Client) Disconnect() { c.fire(DisconnectRequested{}) }

// Close is the unmount path: Disconnect, and no callbacks fire afterwards.
// It waits for a callback already running on another goroutine, so it must
// not be called from inside a callback; use Disconnect there.
func (c *Client) Close() {
	c.fire(Unmounted{})
	c.cbMu.Lock()
	c.cbMu.Unlock()
}

func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Snapshot()
}

// SendMessage writes one {type, data} frame. It returns false unless the
// client is connected and the write succeeded.
func (c *Client) SendMessage(typ string, data any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.m.CanSend() || c.ws == nil {
		return false
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, chat.Encode(typ, data)); err != nil {
		c.log.Debug("send failed", zap.String("type", typ), zap.Error(err))
		return false
	}
	return true
}

// fire runs one transition and its effects, then the queued callbacks.
func (c *Client) fire(ev Event) {
	c.mu.Lock()
	c.pending = append(c.pending, c.apply(c.m.Transition(ev))...)
	c.mu.Unlock()
	c.drain()
}

// drain runs queued callbacks until the queue is empty. Only one goroutine
// drains at a time; a fire from inside a callback just queues. The mounted
// check is made under cbMu right before each callback, so once Close has
// passed cbMu nothing else runs.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	finished := false
	defer func() {
		if !finished {
			// 回调 panic：丢弃剩余回调，允许下一次 drain
			c.mu.Lock()
			c.pending, c.draining = nil, false
			c.mu.Unlock()
		}
	}()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.m.Unmounted() {
			c.pending, c.draining = nil, false
			c.mu.Unlock()
			finished = true
			return
		}
		cb := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()
		cb()
	}
}

// apply executes effects with mu held and returns the callbacks to run once
// it is released.
func (c *Client) apply(effects []Effect) []func() {
	var out []func()
	for _, ef := range effects {
		switch e := ef.(type) {
		case Dial:
			c.dial(e.Gen)

		case CloseTransport:
			c.closeTransport(e.Code, e.Reason)

		case ScheduleRetry:
			seq := e.Seq
			c.log.Info("reconnect scheduled", zap.Int("attempt", c.m.attempts), zap.Duration("after", e.After))
			c.retry = time.AfterFunc(e.After, func() { c.fire(RetryFired{Seq: seq}) })

		case CancelRetry:
			if c.retry != nil {
				c.retry.Stop()
				c.retry = nil
			}

		case NotifyConnect:
			if c.opts.OnConnect != nil {
				out = append(out, c.opts.OnConnect)
			}

		case NotifyDisconnect:
			if cb := c.opts.OnDisconnect; cb != nil {
				code := e.Code
				out = append(out, func() { cb(code) })
			}

		case NotifyError:
			c.log.Warn("giving up reconnect", zap.String("err", e.Err))
			if cb := c.opts.OnError; cb != nil {
				msg := e.Err
				out = append(out, func() { cb(msg) })
			}

		case SystemMessage:
			c.log.Debug("system frame", zap.String("type", e.Type), zap.ByteString("data", e.Data))

		case DeliverMessage:
			if cb := c.opts.OnMessage; cb != nil {
				typ, data := e.Type, e.Data
				out = append(out, func() { cb(typ, data) })
			}
		}
	}
	return out
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	safe.SafeGo("chat.client.dial", func() {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		cancel()
		if err != nil {
			c.log.Info("dial failed", zap.String("url", c.opts.URL), zap.Error(err))
			c.fire(Closed{Gen: gen, Code: websocket.CloseAbnormalClosure})
			return
		}

		c.mu.Lock()
		if c.m.Gen() != gen || c.m.State() != Connecting {
			// 拨号期间已被断开或卸载
			c.mu.Unlock()
			_ = ws.Close()
			c.fire(Closed{Gen: gen, Code: websocket.CloseNormalClosure})
			return
		}
		c.ws, c.cancelDial = ws, nil
		c.pending = append(c.pending, c.apply(c.m.Transition(Opened{Gen: gen}))...)
		c.mu.Unlock()
		c.drain()

		c.readLoop(ws, gen)
	})
}

// readLoop is the only reader of ws. Pings are answered by the default
// handler inside ReadMessage.
func (c *Client) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			_ = ws.Close()
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			c.fire(Closed{Gen: gen, Code: code})
			return
		}
		c.fire(MessageReceived{Gen: gen, Data: data})
	}
}

func (c *Client) closeTransport(code int, reason string) {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.ws == nil {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.opts.WriteWait))
	// 读协程收到对端 close 或读错误后上报 Closed
	_ = c.ws.Close()
	c.ws = nil
}
