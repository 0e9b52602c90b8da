package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// deadRedis points at a closed port; every command fails fast.
func deadRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisPresence_LocalBookkeeping(t *testing.T) {
	p := NewRedisPresence(deadRedis(t), PresenceConf{NodeID: "node-a"}, zap.NewNop())
	p.UserOnline("worker-2")
	p.UserOnline("owner-1")
	p.UserOffline("worker-2")

	if got := p.Local(); len(got) != 1 || got[0] != "owner-1" {
		t.Errorf("local: %v", got)
	}
	if p.key("owner-1") != "shiftchat:presence:owner-1" {
		t.Errorf("key: %s", p.key("owner-1"))
	}
}

func TestRedisPresence_HooksNeverBlock(t *testing.T) {
	p := NewRedisPresence(deadRedis(t), PresenceConf{NodeID: "node-a", Queue: 2}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.UserOnline("u")
			p.UserOffline("u")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("presence hook blocked with no worker running")
	}
	if len(p.ops) != 2 {
		t.Errorf("queue len %d", len(p.ops))
	}
}

func TestRedisPresence_RunSurvivesRedisDown(t *testing.T) {
	p := NewRedisPresence(deadRedis(t), PresenceConf{NodeID: "node-a", TTL: 30 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(finished)
	}()

	p.UserOnline("owner-1")
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, _, err := p.Lookup(context.Background(), "owner-1"); err == nil {
		t.Error("lookup against dead redis should fail")
	}
}
