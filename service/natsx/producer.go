package natsx

import (
	"context"

	"ShiftChat/tools/errs"

	"github.com/google/uuid"
)

const HeaderMsgID = "Nats-Msg-Id"

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送到路由的 Subject
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	return p.PublishTo(ctx, biz, "", data, hdr)
}

// PublishTo sends to the route's subject with its wildcard filled by token.
func (p *NatsxProducer) PublishTo(ctx context.Context, biz, token string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return errs.ErrArgs.WrapMsg("route not registered", "biz", biz)
	}
	return p.c.send(ctx, r, SubjectFor(r.Subject, token), data, hdr)
}

// PublishOnce 带 Nats-Msg-Id 发送；msgID 为空自动生成。消费端幂等中间件
// 和 JetStream 去重窗口都按该头去重。
func (p *NatsxProducer) PublishOnce(ctx context.Context, biz, token string, data []byte, hdr map[string]string, msgID string) error {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	out[HeaderMsgID] = msgID
	return p.PublishTo(ctx, biz, token, data, out)
}
