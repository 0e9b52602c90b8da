package natsx

import (
	"context"
	"errors"
	"time"

	"ShiftChat/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Core 订阅的缓冲上限；超出后 NATS 丢弃并报 slow consumer
const (
	pendingMsgs  = 65536
	pendingBytes = 64 << 20
)

type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe binds h to the biz route. JetStream deliveries are acked when h
// returns nil and nak'ed otherwise; Core deliveries only log the error.
// The subscription is drained when ctx ends.
func (cs *NatsxConsumer) Subscribe(ctx context.Context, biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return errs.ErrArgs.WrapMsg("route not registered", "biz", biz)
	}
	h = NatsxChain(h, cs.mws...)

	var (
		sub *nats.Subscription
		err error
	)
	switch r.Mode {
	case Core:
		sub, err = cs.subscribeCore(ctx, r, h)
	case JetStreamPush:
		sub, err = cs.subscribeJS(ctx, r, h)
	default:
		return errs.ErrArgs.WrapMsg("unsupported mode", "biz", biz, "mode", int(r.Mode))
	}
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", r.Subject)
	}

	cs.c.track(biz, sub)

	context.AfterFunc(ctx, func() {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			cs.c.log.Debug("drain subscription", zap.String("subject", r.Subject), zap.Error(err))
		}
	})
	cs.c.log.Info("subscribed", zap.String("biz", biz), zap.String("subject", r.Subject), zap.String("queue", r.Queue))
	return nil
}

func (cs *NatsxConsumer) subscribeCore(ctx context.Context, r NatsxRoute, h NatsxHandler) (*nats.Subscription, error) {
	cb := func(m *nats.Msg) {
		if err := h(ctx, fromNats(m)); err != nil {
			cs.c.log.Warn("handler failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
	var (
		sub *nats.Subscription
		err error
	)
	if r.Queue == "" {
		sub, err = cs.c.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(pendingMsgs, pendingBytes)
	return sub, nil
}

func (cs *NatsxConsumer) subscribeJS(ctx context.Context, r NatsxRoute, h NatsxHandler) (*nats.Subscription, error) {
	js, err := cs.c.jetStream()
	if err != nil {
		return nil, err
	}
	ackWait := r.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	// 新建的 durable 只收订阅之后的消息，不回放历史
	opts := []nats.SubOpt{nats.BindStream(r.Stream), nats.ManualAck(), nats.AckWait(ackWait), nats.DeliverNew()}
	if r.MaxAckPending > 0 {
		opts = append(opts, nats.MaxAckPending(r.MaxAckPending))
	}
	if r.Durable != "" {
		opts = append(opts, nats.Durable(r.Durable))
	}
	cb := func(m *nats.Msg) {
		if err := h(ctx, fromNats(m)); err != nil {
			cs.c.log.Warn("handler failed, nak", zap.String("subject", m.Subject), zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}
	if r.Queue == "" {
		return js.Subscribe(r.Subject, cb, opts...)
	}
	return js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
}

func fromNats(m *nats.Msg) NatsxMessage {
	return NatsxMessage{
		Subject: m.Subject,
		Data:    append([]byte(nil), m.Data...),
		Header:  decodeHeader(m.Header),
	}
}
