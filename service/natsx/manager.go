package natsx

import (
	"context"

	"ShiftChat/tools/errs"
)

var errNotReady = errs.New("natsx: not connected")

// NatsManager owns one connection plus its producer and consumer. It
// satisfies notify.Broker.
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

// NewNatsManager connects; mws wrap every handler passed to Subscribe, the
// first one outermost.
func NewNatsManager(cfg NatsxConfig, mws ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{client: c, producer: NewNatsxProducer(c), consumer: NewNatsxConsumer(c, mws...)}, nil
}

func (m *NatsManager) ready() error {
	if m == nil || m.client == nil {
		return errNotReady
	}
	return nil
}

// Close drains subscriptions, then the connection. Safe on a nil manager.
func (m *NatsManager) Close() error {
	if m.ready() != nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) Connected() bool { return m.ready() == nil && m.client.Connected() }

func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.client.RegisterRoute(r)
}

func (m *NatsManager) PublishOnce(ctx context.Context, biz, token string, data []byte, hdr map[string]string, msgID string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.producer.PublishOnce(ctx, biz, token, data, hdr, msgID)
}

// Subscribe stays active until ctx ends or the manager is closed.
func (m *NatsManager) Subscribe(ctx context.Context, biz string, h NatsxHandler) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.consumer.Subscribe(ctx, biz, h)
}
