package natsx

import (
	"context"
	"time"

	"ShiftChat/tools/errs"

	"go.uber.org/zap"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、幂等、恢复等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件，mws[0] 在最外层
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxRecoverMiddleware turns a handler panic into an internal error, so a
// JetStream delivery is nak'ed and the subscription keeps running.
func NatsxRecoverMiddleware(log *zap.Logger) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				err = errs.ErrPanic(r)
				log.Error("nats handler panic", zap.String("subject", msg.Subject), zap.Any("panic", r), zap.Stack("stack"))
			}()
			return next(ctx, msg)
		}
	}
}

// NatsxLogMiddleware 失败打 warn，成功只在 debug 下可见
func NatsxLogMiddleware(log *zap.Logger) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			start := time.Now()
			err := next(ctx, msg)
			fields := []zap.Field{
				zap.String("subject", msg.Subject),
				zap.String("msg_id", msg.Header[HeaderMsgID]),
				zap.Int("bytes", len(msg.Data)),
				zap.Duration("cost", time.Since(start)),
			}
			if err != nil {
				log.Warn("nats handler failed", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("nats handled", fields...)
			return nil
		}
	}
}
