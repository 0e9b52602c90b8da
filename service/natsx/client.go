package natsx

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"ShiftChat/logger"
	"ShiftChat/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxMode 工作模式
type NatsxMode int

const (
	Core          NatsxMode = iota // 尽力投递，节点不在线就丢
	JetStreamPush                  // 持久化，按 ack 重投
)

// NatsxRoute binds a biz name to a subject. A subject ending in * or > is a
// pattern; publishers fill the wildcard with a token.
type NatsxRoute struct {
	Biz           string
	Subject       string
	Mode          NatsxMode
	Queue         string // 空表示每个节点都收到
	Durable       string
	AckWait       time.Duration
	MaxAckPending int
	// Stream holds the subject in JetStream mode; created on registration
	// when missing. MaxAge bounds how long it keeps messages.
	Stream string
	MaxAge time.Duration
}

func (r NatsxRoute) validate() error {
	if r.Biz == "" || r.Subject == "" {
		return errs.ErrArgs.WrapMsg("route needs biz and subject", "biz", r.Biz)
	}
	switch r.Mode {
	case Core:
	case JetStreamPush:
		if r.Stream == "" {
			return errs.ErrArgs.WrapMsg("jetstream route needs a stream", "biz", r.Biz)
		}
		if strings.ContainsAny(r.Durable, ".*> ") {
			return errs.ErrArgs.WrapMsg("invalid durable name", "biz", r.Biz, "durable", r.Durable)
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown route mode", "biz", r.Biz, "mode", int(r.Mode))
	}
	return nil
}

// streamConfig is the stream a JetStream route needs: file backed, limits
// retention, one hour unless the route says otherwise.
func streamConfig(r NatsxRoute) *nats.StreamConfig {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &nats.StreamConfig{
		Name:      r.Stream,
		Subjects:  []string{r.Subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
		Discard:   nats.DiscardOld,
	}
}

// streamManager is the part of nats.JetStreamContext ensureStream uses.
type streamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// ensureStream creates the route's stream, or adds the route's subject to
// an existing stream that lacks it.
func ensureStream(js streamManager, r NatsxRoute) error {
	info, err := js.StreamInfo(r.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := js.AddStream(streamConfig(r)); err != nil {
			return errs.WrapMsg(err, "add stream", "stream", r.Stream)
		}
		return nil
	}
	if err != nil {
		return errs.WrapMsg(err, "stream info", "stream", r.Stream)
	}
	if slices.Contains(info.Config.Subjects, r.Subject) {
		return nil
	}
	cfg := info.Config
	cfg.Subjects = append(slices.Clone(cfg.Subjects), r.Subject)
	if _, err := js.UpdateStream(&cfg); err != nil {
		return errs.WrapMsg(err, "update stream subjects", "stream", r.Stream)
	}
	return nil
}

type NatsxConfig struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	ReconnectWait   time.Duration
	Timeout         time.Duration
	PublishAsyncMax int
	Logger          *zap.Logger
}

func (c *NatsxConfig) norm() error {
	if len(c.Servers) == 0 {
		return errs.ErrArgs.WrapMsg("nats servers missing")
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.PublishAsyncMax <= 0 {
		c.PublishAsyncMax = 4096
	}
	if c.Logger == nil {
		c.Logger = logger.Named("nats")
	}
	return nil
}

// options 断线后无限重连，连接状态变化只记日志
func (c *NatsxConfig) options() []nats.Option {
	log := c.Logger
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// NatsxClient holds the connection, the route table and every live
// subscription.
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	log *zap.Logger

	mu     sync.RWMutex
	js     nats.JetStreamContext
	routes map[string]NatsxRoute
	subs   map[string][]*nats.Subscription
}

func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if err := cfg.norm(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), cfg.options()...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", strings.Join(cfg.Servers, ","))
	}
	return &NatsxClient{
		cfg:    cfg,
		nc:     nc,
		log:    cfg.Logger,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

func (c *NatsxClient) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// Close drains subscriptions first so in-flight handlers finish, then the
// connection.
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string][]*nats.Subscription)
	c.mu.Unlock()
	for _, list := range subs {
		for _, sub := range list {
			_ = sub.Drain()
		}
	}
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

// jetStream 首次使用时创建上下文
func (c *NatsxClient) jetStream() (nats.JetStreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js == nil {
		js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
		if err != nil {
			return nil, errs.WrapMsg(err, "init jetstream")
		}
		c.js = js
	}
	return c.js, nil
}

func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.Mode == JetStreamPush {
		js, err := c.jetStream()
		if err != nil {
			return err
		}
		if err := ensureStream(js, r); err != nil {
			return err
		}
		if r.AckWait <= 0 {
			r.AckWait = 30 * time.Second
		}
		if r.MaxAckPending <= 0 {
			r.MaxAckPending = 1024
		}
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	r, ok := c.routes[biz]
	c.mu.RUnlock()
	return r, ok
}

func (c *NatsxClient) track(biz string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[biz] = append(c.subs[biz], sub)
	c.mu.Unlock()
}

// send publishes one message on the route's transport. JetStream publishes
// wait for the stream ack.
func (c *NatsxClient) send(ctx context.Context, r NatsxRoute, subject string, data []byte, hdr map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: encodeHeader(hdr)}
	switch r.Mode {
	case Core:
		if err := c.nc.PublishMsg(msg); err != nil {
			return errs.WrapMsg(err, "nats publish", "subject", subject)
		}
		return nil
	case JetStreamPush:
		js, err := c.jetStream()
		if err != nil {
			return err
		}
		ack, err := js.PublishMsg(msg, nats.Context(ctx))
		if err != nil {
			return errs.WrapMsg(err, "jetstream publish", "subject", subject)
		}
		c.log.Debug("published", zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence))
		return nil
	}
	return errs.ErrArgs.WrapMsg("unknown route mode", "biz", r.Biz)
}

func encodeHeader(h map[string]string) nats.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(nats.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// decodeHeader keeps the first value of each key.
func decodeHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// SubjectFor fills the trailing wildcard of pattern with token. A pattern
// without wildcard gets token appended as a new level.
func SubjectFor(pattern, token string) string {
	if token == "" {
		return pattern
	}
	if base, ok := wildcardBase(pattern); ok {
		return base + token
	}
	return pattern + "." + token
}

// TokenOf returns the part of subject matched by the trailing wildcard of
// pattern, or "" when pattern has none or subject does not match.
func TokenOf(pattern, subject string) string {
	base, ok := wildcardBase(pattern)
	if !ok {
		return ""
	}
	token, found := strings.CutPrefix(subject, base)
	if !found {
		return ""
	}
	return token
}

func wildcardBase(pattern string) (string, bool) {
	if strings.HasSuffix(pattern, ".*") || strings.HasSuffix(pattern, ".>") {
		return pattern[:len(pattern)-1], true
	}
	return "", false
}
