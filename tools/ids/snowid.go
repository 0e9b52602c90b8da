// Package ids generates message ids and connection keys.
package ids

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// 41 bit 毫秒 | 10 bit 节点 | 12 bit 序号
const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator hands out snowflake ids that grow strictly within one node.
// When the wall clock steps back it keeps counting on the last timestamp
// instead of waiting.
type Generator struct {
	mu     sync.Mutex
	nodeID int64
	lastMS int64
	seq    int64
	now    func() time.Time
}

// NewGenerator nodeID outside 0~1023 falls back to 1.
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - epoch
	if ms > g.lastMS {
		g.lastMS, g.seq = ms, 0
	} else if g.seq = (g.seq + 1) & seqMask; g.seq == 0 {
		// 序号用完，借用下一毫秒
		g.lastMS++
	}
	return (g.lastMS&tsMask)<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Time reports when id was minted.
func Time(id int64) time.Time {
	return time.UnixMilli(id>>(nodeBits+seqBits) + epoch)
}

var connSeq atomic.Uint64

// ConnKey builds the per-connection key from identity, creation time and a
// process-wide counter, so two tabs opened in the same millisecond differ.
func ConnKey(userID string, createdAt time.Time) string {
	return userID + "-" + strconv.FormatInt(createdAt.UnixMilli(), 10) + "-" + strconv.FormatUint(connSeq.Add(1), 36)
}
