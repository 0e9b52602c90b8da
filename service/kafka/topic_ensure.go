package kafka

import (
	"errors"
	"strconv"

	"ShiftChat/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// offlineRetentionMS 离线消息只需要撑到消费端处理完，保留 7 天
const offlineRetentionMS = 7 * 24 * 3600 * 1000

// topicDetail is the layout for a new offline topic. With three or more
// replicas a write needs two of them in sync.
func topicDetail(c Config) *sarama.TopicDetail {
	minISR := 1
	if c.ReplicationFactor >= 3 {
		minISR = 2
	}
	entries := map[string]string{
		"cleanup.policy":                 "delete",
		"retention.ms":                   strconv.Itoa(offlineRetentionMS),
		"min.insync.replicas":            strconv.Itoa(minISR),
		"unclean.leader.election.enable": "false",
	}
	td := &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries:     make(map[string]*string, len(entries)),
	}
	for k, v := range entries {
		v := v
		td.ConfigEntries[k] = &v
	}
	return td
}

func alreadyExists(err error) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) {
		return te.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

// EnsureTopics creates missing topics and grows ones with fewer partitions
// than configured. Partitions are never shrunk.
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c Config, log *zap.Logger) error {
	c.norm()
	metas, err := admin.DescribeTopics(topics)
	if err != nil {
		return errs.WrapMsg(err, "describe topics")
	}
	current := make(map[string]int32, len(metas))
	for _, md := range metas {
		if md.Err == sarama.ErrNoError {
			current[md.Name] = int32(len(md.Partitions))
		}
	}

	for _, t := range topics {
		have, ok := current[t]
		switch {
		case !ok:
			if err := admin.CreateTopic(t, topicDetail(c), false); err != nil && !alreadyExists(err) {
				return errs.WrapMsg(err, "create topic", "topic", t)
			}
			log.Info("topic created", zap.String("topic", t), zap.Int32("partitions", c.Partitions),
				zap.Int16("replicas", c.ReplicationFactor))
		case have < c.Partitions:
			if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
				return errs.WrapMsg(err, "grow partitions", "topic", t, "from", have, "to", c.Partitions)
			}
			log.Info("topic partitions grown", zap.String("topic", t), zap.Int32("from", have), zap.Int32("to", c.Partitions))
		default:
			log.Debug("topic ready", zap.String("topic", t), zap.Int32("partitions", have))
		}
	}
	return nil
}
