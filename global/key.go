package global

// Redis 里所有 key 都挂在这个命名空间下，便于和其他服务共用实例
const KeyNamespace = "shiftchat:"

const (
	PresenceKeyPrefix = KeyNamespace + "presence:"
	IdemKeyPrefix     = KeyNamespace + "idem:"
)

// OfflineKey Kafka 离线消息的 key：同一接收人落在同一分区，消费端按序处理
func OfflineKey(receiverID string) string {
	return "user:" + receiverID
}
