package chat

import (
	"sort"
	"sync"
	"time"

	"ShiftChat/tools/ids"

	"github.com/gorilla/websocket"
)

// PresenceHook observes identity-level online transitions. Calls happen with
// the registry lock held, in mutation order, so implementations must not block.
type PresenceHook interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

type RegistryConf struct {
	MaxPerUser int              // 每用户最大连接数（<=0 不限制），超限淘汰最老连接
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
	Presence   PresenceHook
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry maps an identity to its live connections. An identity with no
// connections has no entry.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // 辅助索引：userID -> (key -> conn)
	byKey  map[string]*Conn            // 主索引：key -> conn

	conf RegistryConf
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	return &Registry{
		byUser: make(map[string]map[string]*Conn),
		byKey:  make(map[string]*Conn),
		conf:   conf,
	}
}

// Register binds c to userID, indexes it and returns its key. It never
// fails; when MaxPerUser is reached the oldest connection of userID is
// evicted and closed.
func (r *Registry) Register(userID string, c *Conn) string {
	now := r.conf.Clock()

	r.mu.Lock()
	c.userID = userID
	c.createdAt = now
	c.key = ids.ConnKey(userID, now)

	var evicted *Conn
	if r.conf.MaxPerUser > 0 {
		evicted = r.evictOldestLocked(userID)
	}

	mm := r.byUser[userID]
	first := len(mm) == 0
	if mm == nil {
		mm = make(map[string]*Conn)
		r.byUser[userID] = mm
	}
	mm[c.key] = c
	r.byKey[c.key] = c

	// 被挤掉的是该用户唯一连接时，身份仍然在线，不触发 hook
	if first && evicted == nil && r.conf.Presence != nil {
		r.conf.Presence.UserOnline(userID)
	}
	r.mu.Unlock()

	if evicted != nil {
		// 正常关闭码：被挤下线的客户端不应自动重连
		evicted.Close(websocket.CloseNormalClosure, "evicted")
	}
	return c.key
}

// Unregister removes the connection with key. Unknown keys are ignored.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byKey[key]
	if !ok {
		return false
	}
	r.removeLocked(c)
	return true
}

// ConnectionsFor returns a snapshot; empty when the identity is offline.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// AllOnline returns every identity with at least one connection, sorted.
func (r *Registry) AllOnline() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Get 按 key 查连接
func (r *Registry) Get(key string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// Count 连接总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// All 全部连接快照（广播 / 限流热更新用）
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byKey))
	for _, c := range r.byKey {
		out = append(out, c)
	}
	return out
}

// CloseAll 关闭并移除全部连接（进程退出用）
func (r *Registry) CloseAll(code int, text string) int {
	r.mu.Lock()
	all := make([]*Conn, 0, len(r.byKey))
	for _, c := range r.byKey {
		all = append(all, c)
		r.removeLocked(c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close(code, text)
	}
	return len(all)
}

// 需要在持锁状态下调用（*Locked）
func (r *Registry) removeLocked(c *Conn) {
	delete(r.byKey, c.key)
	if mm := r.byUser[c.userID]; mm != nil {
		delete(mm, c.key)
		if len(mm) == 0 {
			delete(r.byUser, c.userID)
			if r.conf.Presence != nil {
				r.conf.Presence.UserOffline(c.userID)
			}
		}
	}
}

// evictOldestLocked drops the oldest connection of userID from the indexes
// when the cap is reached; the caller closes it after unlocking.
func (r *Registry) evictOldestLocked(userID string) *Conn {
	mm := r.byUser[userID]
	if len(mm) < r.conf.MaxPerUser {
		return nil
	}
	var oldest *Conn
	for _, c := range mm {
		if oldest == nil || c.createdAt.Before(oldest.createdAt) ||
			(c.createdAt.Equal(oldest.createdAt) && c.key < oldest.key) {
			oldest = c
		}
	}
	delete(mm, oldest.key)
	delete(r.byKey, oldest.key)
	return oldest
}
