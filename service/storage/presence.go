package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ShiftChat/global"
	"ShiftChat/logger"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConf struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings within 3s.
func NewRedisClient(ctx context.Context, c RedisConf) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", c.Addr)
	}
	return rdb, nil
}

type PresenceConf struct {
	NodeID    string        // 写入 value，其他进程据此知道用户连在哪个节点
	TTL       time.Duration // 在线键有效期，节点定期续期
	Queue     int           // 异步写队列长度
	KeyPrefix string
}

func (c *PresenceConf) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.Queue <= 0 {
		c.Queue = 1024
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = global.PresenceKeyPrefix
	}
}

// 只删除属于本节点的在线键；用户可能已经连到别的节点
// KEYS[1] = presence key
// ARGV[1] = node id
const luaReleasePresence = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseScript = redis.NewScript(luaReleasePresence)

type presenceOp struct {
	user   string
	online bool
}

// RedisPresence mirrors registry online/offline transitions into Redis so
// other marketplace processes can answer "is this user online". Registry
// hooks only enqueue; Run performs the writes and refreshes TTLs.
type RedisPresence struct {
	rdb  redis.UniversalClient
	conf PresenceConf
	log  *zap.Logger
	ops  chan presenceOp

	mu    sync.Mutex
	local map[string]struct{} // 本节点在线用户
}

func NewRedisPresence(rdb redis.UniversalClient, conf PresenceConf, log *zap.Logger) *RedisPresence {
	conf.norm()
	if log == nil {
		log = logger.Named("presence")
	}
	return &RedisPresence{
		rdb:   rdb,
		conf:  conf,
		log:   log,
		ops:   make(chan presenceOp, conf.Queue),
		local: make(map[string]struct{}),
	}
}

func (p *RedisPresence) key(user string) string { return p.conf.KeyPrefix + user }

func (p *RedisPresence) UserOnline(user string) {
	p.mu.Lock()
	p.local[user] = struct{}{}
	p.mu.Unlock()
	p.enqueue(presenceOp{user: user, online: true})
}

func (p *RedisPresence) UserOffline(user string) {
	p.mu.Lock()
	delete(p.local, user)
	p.mu.Unlock()
	p.enqueue(presenceOp{user: user})
}

// enqueue never blocks; a dropped online op is repaired by the next refresh,
// a dropped offline op expires with the TTL.
func (p *RedisPresence) enqueue(op presenceOp) {
	select {
	case p.ops <- op:
	default:
		p.log.Warn("presence queue full, op dropped", zap.String("user", op.user), zap.Bool("online", op.online))
	}
}

// Local returns the identities this node currently reports online.
func (p *RedisPresence) Local() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.local))
	for u := range p.local {
		out = append(out, u)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

// Run applies queued ops and refreshes TTLs until ctx is done, then releases
// every key this node still holds.
func (p *RedisPresence) Run(ctx context.Context) {
	ticker := time.NewTicker(p.conf.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.releaseAll()
			return
		case op := <-p.ops:
			p.apply(ctx, op)
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *RedisPresence) apply(ctx context.Context, op presenceOp) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var err error
	if op.online {
		err = p.rdb.Set(ctx, p.key(op.user), p.conf.NodeID, p.conf.TTL).Err()
	} else {
		err = releaseScript.Run(ctx, p.rdb, []string{p.key(op.user)}, p.conf.NodeID).Err()
	}
	if err != nil {
		p.log.Warn("presence write failed", zap.String("user", op.user), zap.Bool("online", op.online), zap.Error(err))
	}
}

func (p *RedisPresence) refresh(ctx context.Context) {
	users := p.Local()
	if len(users) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pipe := p.rdb.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, p.key(u), p.conf.NodeID, p.conf.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("presence refresh failed", zap.Int("users", len(users)), zap.Error(err))
	}
}

func (p *RedisPresence) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, u := range p.Local() {
		if err := releaseScript.Run(ctx, p.rdb, []string{p.key(u)}, p.conf.NodeID).Err(); err != nil {
			p.log.Warn("presence release failed", zap.String("user", u), zap.Error(err))
			return
		}
	}
}

// Lookup reads the mirrored presence of user from any node.
func (p *RedisPresence) Lookup(ctx context.Context, user string) (nodeID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, p.key(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "presence lookup")
	}
	return val, true, nil
}
