package kafka

import (
	"context"
	"encoding/json"

	"ShiftChat/global"
	"ShiftChat/logger"
	"ShiftChat/service/storage"
	"ShiftChat/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

const (
	HeaderEventType  = "event_type"
	EventOfflineChat = "chat.offline"
)

// OfflineMessage is the record written for a receiver with no live socket;
// push/email workers consume it.
type OfflineMessage struct {
	Event   string           `json:"event"`
	Message *storage.Message `json:"message"`
}

// OfflineSink publishes offline chat messages keyed by receiver, so one
// receiver's messages stay ordered on one partition.
type OfflineSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewSyncProducer connects to c.Brokers with BuildBaseConfig.
func NewSyncProducer(c Config) (sarama.SyncProducer, error) {
	p, err := sarama.NewSyncProducer(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka sync producer", "brokers", c.Brokers)
	}
	return p, nil
}

func NewOfflineSink(p sarama.SyncProducer, topic string, log *zap.Logger) *OfflineSink {
	if topic == "" {
		topic = "chat_offline_messages"
	}
	if log == nil {
		log = logger.Named("kafka")
	}
	return &OfflineSink{producer: p, topic: topic, log: log}
}

func (s *OfflineSink) Offline(ctx context.Context, m *storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(OfflineMessage{Event: EventOfflineChat, Message: m})
	if err != nil {
		return errs.Wrap(err)
	}
	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(global.OfflineKey(m.ReceiverID)),
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(EventOfflineChat)},
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "kafka send offline", "topic", s.topic, "id", m.ID)
	}
	s.log.Debug("offline message queued", zap.String("id", m.ID), zap.String("receiver", m.ReceiverID),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (s *OfflineSink) Close() error { return s.producer.Close() }
