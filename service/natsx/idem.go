package natsx

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"ShiftChat/global"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdemStore remembers message ids for a while. SeenOnce reports whether key
// was already recorded and records it if not.
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// memIdem 单进程去重；过期键在写入时顺带清理
type memIdem struct {
	mu      sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	nextGC  time.Time
}

func NewMemIdem(defaultTTL time.Duration) IdemStore {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &memIdem{expires: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
}

func (mi *memIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if !now.Before(mi.nextGC) {
		mi.collect(now)
	}
	if exp, ok := mi.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	mi.expires[key] = now.Add(ttl)
	return false, nil
}

// collect drops expired keys; mu must be held.
func (mi *memIdem) collect(now time.Time) {
	for k, exp := range mi.expires {
		if !now.Before(exp) {
			delete(mi.expires, k)
		}
	}
	mi.nextGC = now.Add(mi.ttl)
}

// redisIdem 多节点共享：SET NX 成功即第一次见到
type redisIdem struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisIdem(rdb redis.UniversalClient, prefix string) IdemStore {
	if prefix == "" {
		prefix = global.IdemKeyPrefix
	}
	return &redisIdem{rdb: rdb, prefix: prefix}
}

func (ri *redisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	err := ri.rdb.SetArgs(ctx, ri.prefix+key, 1, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch err {
	case nil:
		return false, nil
	case redis.Nil:
		return true, nil
	default:
		return false, err
	}
}

var msgIDHeaders = []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"}

// dedupeKey prefers the publisher's message id. Without one the key is a
// hash of subject and trimmed payload.
func dedupeKey(msg NatsxMessage) string {
	for _, k := range msgIDHeaders {
		if v := msg.Header[k]; v != "" {
			return v
		}
	}
	h := fnv.New128a()
	h.Write([]byte(msg.Subject))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(string(msg.Data))))
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// NatsxIdemMiddleware drops redeliveries of a message already handled. A
// failing store lets the message through.
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration, log *zap.Logger) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			key := dedupeKey(msg)
			seen, err := store.SeenOnce(ctx, key, ttl)
			if err != nil {
				log.Warn("idem store failed", zap.String("subject", msg.Subject), zap.Error(err))
			} else if seen {
				log.Debug("duplicate skipped", zap.String("subject", msg.Subject), zap.String("key", key))
				return nil
			}
			return next(ctx, msg)
		}
	}
}
