package notify

import (
	"context"
	"encoding/json"
	"time"

	"ShiftChat/service/natsx"
	"ShiftChat/tools/errs"

	"go.uber.org/zap"
)

const (
	BizUser      = "notify.user"
	BizBroadcast = "notify.broadcast"

	SubjectUser      = "notify.user.*"
	SubjectBroadcast = "notify.broadcast"
)

// Durable is the JetStream setup for per-user notifications. With it the
// user route survives a NATS reconnect: events published while the node was
// cut off are redelivered until acked.
type Durable struct {
	Stream string
	// Consumer must be unique per gateway node, since every node needs its
	// own copy of each event.
	Consumer string
	MaxAge   time.Duration
}

// Routes are the NATS routes the bridge publishes and subscribes on. Every
// gateway node subscribes without a queue group so the node holding the
// stream sees the event. A nil durable keeps both routes on core NATS;
// broadcasts always stay there.
func Routes(durable *Durable) []natsx.NatsxRoute {
	user := natsx.NatsxRoute{Biz: BizUser, Subject: SubjectUser, Mode: natsx.Core}
	if durable != nil {
		user.Mode = natsx.JetStreamPush
		user.Stream = durable.Stream
		user.Durable = durable.Consumer
		user.MaxAge = durable.MaxAge
	}
	return []natsx.NatsxRoute{
		user,
		{Biz: BizBroadcast, Subject: SubjectBroadcast, Mode: natsx.Core},
	}
}

// Broker is the part of natsx.NatsManager the bridge uses.
type Broker interface {
	RegisterRoute(r natsx.NatsxRoute) error
	Subscribe(ctx context.Context, biz string, h natsx.NatsxHandler) error
	PublishOnce(ctx context.Context, biz, token string, data []byte, hdr map[string]string, msgID string) error
}

// Bridge lets other marketplace services publish notifications to NATS
// without linking the gateway, and feeds them into the local hub.
type Bridge struct {
	hub    *Hub
	broker Broker
	pub    *natsx.NatsxSyncPublisher
	log    *zap.Logger
	// Durable, when set before Start, runs the user route on JetStream.
	Durable *Durable
}

func NewBridge(hub *Hub, broker Broker, log *zap.Logger) *Bridge {
	if log == nil {
		log = hub.log.Named("bridge")
	}
	return &Bridge{
		hub:    hub,
		broker: broker,
		pub:    &natsx.NatsxSyncPublisher{P: broker, Retries: 2, Backoff: 100 * time.Millisecond},
		log:    log,
	}
}

// Start registers routes and subscribes both subjects.
func (b *Bridge) Start(ctx context.Context) error {
	for _, r := range Routes(b.Durable) {
		if err := b.broker.RegisterRoute(r); err != nil {
			return errs.WrapMsg(err, "register route", "biz", r.Biz)
		}
	}
	if err := b.broker.Subscribe(ctx, BizUser, b.HandleUser); err != nil {
		return err
	}
	return b.broker.Subscribe(ctx, BizBroadcast, b.HandleBroadcast)
}

// PublishUser sends ev to userID's stream on whichever node holds it.
func (b *Bridge) PublishUser(ctx context.Context, userID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err)
	}
	return b.pub.Publish(ctx, BizUser, userID, data, nil, "")
}

func (b *Bridge) PublishBroadcast(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err)
	}
	return b.pub.Publish(ctx, BizBroadcast, "", data, nil, "")
}

// HandleUser delivers a notify.user.<id> message to the local hub. A user
// without a local stream is not an error: another node may hold it.
func (b *Bridge) HandleUser(_ context.Context, msg natsx.NatsxMessage) error {
	userID := natsx.TokenOf(SubjectUser, msg.Subject)
	if userID == "" {
		return errs.ErrArgs.WrapMsg("subject without user", "subject", msg.Subject)
	}
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		b.log.Warn("bad notification payload", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	if b.hub.Online(userID) {
		b.hub.Push(userID, ev)
	}
	return nil
}

func (b *Bridge) HandleBroadcast(_ context.Context, msg natsx.NatsxMessage) error {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		b.log.Warn("bad broadcast payload", zap.Error(err))
		return nil
	}
	n := b.hub.Broadcast(ev)
	b.log.Debug("broadcast", zap.String("type", ev.Type), zap.Int("streams", n))
	return nil
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errs.ErrArgs.WrapMsg(err.Error())
	}
	if ev.Type == "" {
		ev.Type = TypeNotification
	}
	return ev, nil
}
