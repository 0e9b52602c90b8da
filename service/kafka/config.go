package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

type Config struct {
	Brokers           []string
	ClientID          string
	OfflineTopic      string
	Partitions        int32  // 新建 topic 的分区数
	ReplicationFactor int16  // 单机=1；生产=3
	Retries           int
	Compression       string // none/snappy/lz4/zstd
	Version           sarama.KafkaVersion
}

func (c *Config) norm() {
	if c.ClientID == "" {
		c.ClientID = "shiftchat"
	}
	if c.OfflineTopic == "" {
		c.OfflineTopic = "chat_offline_messages"
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = sarama.V2_1_0_0
	}
}

// BuildBaseConfig 同步生产者配置：按 key 哈希分区，同一接收方的离线消息有序
func BuildBaseConfig(c Config) *sarama.Config {
	c.norm()
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = c.Version

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
