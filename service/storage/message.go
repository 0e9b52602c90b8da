package storage

import (
	"time"
)

// Message 一条已持久化的聊天消息
type Message struct {
	ID             string     `json:"id" bson:"_id"`
	SenderID       string     `json:"sender_id" bson:"sender_id"`
	ReceiverID     string     `json:"receiver_id" bson:"receiver_id"`
	Content        string     `json:"content" bson:"content"`
	ConversationID string     `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	ApplicationID  string     `json:"application_id,omitempty" bson:"application_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty" bson:"read_at,omitempty"`
}

// NewMessage 写入参数；SenderID 由网关从握手身份填充
type NewMessage struct {
	SenderID       string
	ReceiverID     string
	Content        string
	ConversationID string
	ApplicationID  string
}

// dedupe keeps the first occurrence of each non-empty id.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// bySender groups ids by sender. Each group keeps batch order; ids with no
// entry in senderOf are dropped.
func bySender(ids []string, senderOf map[string]string) map[string][]string {
	if len(senderOf) == 0 {
		return nil
	}
	out := make(map[string][]string)
	for _, id := range ids {
		if s, ok := senderOf[id]; ok {
			out[s] = append(out[s], id)
		}
	}
	return out
}
