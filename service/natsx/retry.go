package natsx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OncePublisher publishes with an explicit message id.
type OncePublisher interface {
	PublishOnce(ctx context.Context, biz, token string, data []byte, hdr map[string]string, msgID string) error
}

// NatsxSyncPublisher retries PublishOnce with doubling backoff. Every attempt
// carries the same message id, so a retry after a lost ack is deduplicated
// downstream.
type NatsxSyncPublisher struct {
	P          OncePublisher
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration // 0 表示不封顶
}

func (sp *NatsxSyncPublisher) Publish(ctx context.Context, biz, token string, payload []byte, hdr map[string]string, msgID string) error {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	wait := sp.Backoff
	for attempt := 0; ; attempt++ {
		err := sp.P.PublishOnce(ctx, biz, token, payload, hdr, msgID)
		if err == nil || attempt >= sp.Retries {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait *= 2; sp.MaxBackoff > 0 && wait > sp.MaxBackoff {
			wait = sp.MaxBackoff
		}
	}
}
