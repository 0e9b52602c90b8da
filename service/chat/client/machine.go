// Package client is the reconnecting chat client: a pure state machine plus
// a gorilla/websocket driver that executes its effects.
package client

import (
	"encoding/json"
	"math"
	"time"

	"ShiftChat/service/chat"

	"github.com/gorilla/websocket"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// ErrMaxAttempts is the terminal error text once retries are exhausted.
const ErrMaxAttempts = "unable to reconnect: maximum attempts reached"

type Config struct {
	Interval      time.Duration // 首次重连间隔，默认 3s
	Growth        float64       // 退避倍数，默认 1.5
	MaxAttempts   int           // 默认 5
	AutoReconnect bool
}

// DefaultConfig 3s * 1.5^n，最多 5 次
func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second, Growth: 1.5, MaxAttempts: 5, AutoReconnect: true}
}

func (c *Config) norm() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Growth < 1 {
		c.Growth = 1.5
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
}

// Backoff returns the delay before retry number attempts (0-based).
func (c Config) Backoff(attempts int) time.Duration {
	return time.Duration(float64(c.Interval) * math.Pow(c.Growth, float64(attempts)))
}

// ===== Events =====

type Event interface{ isEvent() }

type (
	// ConnectRequested 挂载时调用
	ConnectRequested struct{}
	// ReconnectRequested 手动重连：清零计数、清除终态错误
	ReconnectRequested struct{}
	DisconnectRequested struct{}
	// Unmounted 等同手动断开，之后不再产生任何回调
	Unmounted struct{}
	Opened    struct{ Gen uint64 }
	Closed    struct {
		Gen  uint64
		Code int
	}
	MessageReceived struct {
		Gen  uint64
		Data []byte
	}
	RetryFired struct{ Seq uint64 }
)

func (ConnectRequested) isEvent()    {}
func (ReconnectRequested) isEvent()  {}
func (DisconnectRequested) isEvent() {}
func (Unmounted) isEvent()           {}
func (Opened) isEvent()              {}
func (Closed) isEvent()              {}
func (MessageReceived) isEvent()     {}
func (RetryFired) isEvent()          {}

// ===== Effects =====

type Effect interface{ isEffect() }

type (
	Dial           struct{ Gen uint64 }
	CloseTransport struct {
		Gen    uint64
		Code   int
		Reason string
	}
	ScheduleRetry struct {
		Seq   uint64
		After time.Duration
	}
	CancelRetry      struct{ Seq uint64 }
	NotifyConnect    struct{}
	NotifyDisconnect struct{ Code int }
	NotifyError      struct{ Err string }
	// DeliverMessage 非系统类型，原样交给 onMessage
	DeliverMessage struct {
		Type string
		Data json.RawMessage
	}
	// SystemMessage connection / error，内部处理，不转发
	SystemMessage struct {
		Type string
		Data json.RawMessage
	}
)

func (Dial) isEffect()             {}
func (CloseTransport) isEffect()   {}
func (ScheduleRetry) isEffect()    {}
func (CancelRetry) isEffect()      {}
func (NotifyConnect) isEffect()    {}
func (NotifyDisconnect) isEffect() {}
func (NotifyError) isEffect()      {}
func (DeliverMessage) isEffect()   {}
func (SystemMessage) isEffect()    {}

// Snapshot is the UI-visible part of the machine.
type Snapshot struct {
	State        State
	Attempts     int
	RetryPending bool
	Err          string // 终态错误；服务端 error 帧也记在这里
}

// Machine holds connection state. Transition is the only mutator and does
// no I/O; the caller executes the returned effects in order.
type Machine struct {
	conf Config

	state    State
	attempts int
	err      string

	gen        uint64 // 当前 transport 代号
	transport  bool   // 是否有未收到 close 的 transport
	manual     bool   // 当前 transport 是主动关闭的
	retrySeq   uint64
	retryArmed bool
	unmounted  bool
}

func NewMachine(conf Config) *Machine {
	conf.norm()
	return &Machine{conf: conf}
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{State: m.state, Attempts: m.attempts, RetryPending: m.retryArmed, Err: m.err}
}

func (m *Machine) State() State { return m.state }

// Gen is the generation of the latest transport.
func (m *Machine) Gen() uint64 { return m.gen }

func (m *Machine) Unmounted() bool { return m.unmounted }

// CanSend 仅 connected 时可以发送
func (m *Machine) CanSend() bool { return m.state == Connected && !m.unmounted }

func (m *Machine) Transition(ev Event) []Effect {
	if m.unmounted {
		return nil
	}
	switch e := ev.(type) {
	case ConnectRequested:
		return m.connect()

	case ReconnectRequested:
		m.attempts = 0
		m.err = ""
		return m.connect()

	case DisconnectRequested:
		return m.disconnect()

	case Unmounted:
		out := m.disconnect()
		m.unmounted = true
		return out

	case Opened:
		if e.Gen != m.gen || m.state != Connecting {
			return nil
		}
		m.state = Connected
		m.attempts = 0
		m.err = ""
		return []Effect{NotifyConnect{}}

	case MessageReceived:
		if e.Gen != m.gen || m.state != Connected {
			return nil
		}
		return m.message(e.Data)

	case Closed:
		if e.Gen != m.gen || !m.transport {
			return nil
		}
		return m.closed(e.Code)

	case RetryFired:
		if !m.retryArmed || e.Seq != m.retrySeq || m.state != Disconnected {
			return nil
		}
		m.retryArmed = false
		return m.dial()
	}
	return nil
}

func (m *Machine) connect() []Effect {
	if m.state != Disconnected {
		return nil
	}
	var out []Effect
	if m.retryArmed {
		m.retryArmed = false
		out = append(out, CancelRetry{Seq: m.retrySeq})
	}
	return append(out, m.dial()...)
}

func (m *Machine) dial() []Effect {
	m.gen++
	m.state = Connecting
	m.transport = true
	m.manual = false
	return []Effect{Dial{Gen: m.gen}}
}

func (m *Machine) disconnect() []Effect {
	var out []Effect
	if m.retryArmed {
		m.retryArmed = false
		out = append(out, CancelRetry{Seq: m.retrySeq})
	}
	if m.transport && !m.manual {
		m.manual = true
		out = append(out, CloseTransport{Gen: m.gen, Code: websocket.CloseNormalClosure})
	}
	m.state = Disconnected
	return out
}

func (m *Machine) closed(code int) []Effect {
	m.transport = false
	m.state = Disconnected
	if m.manual {
		m.manual = false
		return []Effect{NotifyDisconnect{Code: websocket.CloseNormalClosure}}
	}
	out := []Effect{NotifyDisconnect{Code: code}}
	if code == websocket.CloseNormalClosure || !m.conf.AutoReconnect {
		return out
	}
	if m.attempts >= m.conf.MaxAttempts {
		m.err = ErrMaxAttempts
		return append(out, NotifyError{Err: m.err})
	}
	after := m.conf.Backoff(m.attempts)
	m.attempts++
	m.retrySeq++
	m.retryArmed = true
	return append(out, ScheduleRetry{Seq: m.retrySeq, After: after})
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m *Machine) message(raw []byte) []Effect {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return []Effect{SystemMessage{Type: "invalid", Data: nil}}
	}
	switch env.Type {
	case chat.TypeConnection:
		return []Effect{SystemMessage{Type: env.Type, Data: env.Data}}
	case chat.TypeError:
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &e)
		if e.Message == "" {
			e.Message = "server error"
		}
		m.err = e.Message
		return []Effect{SystemMessage{Type: env.Type, Data: env.Data}}
	}
	return []Effect{DeliverMessage{Type: env.Type, Data: env.Data}}
}
