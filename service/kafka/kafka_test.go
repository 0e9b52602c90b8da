package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"ShiftChat/service/storage"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"go.uber.org/zap"
)

func offlineMsg() *storage.Message {
	return &storage.Message{
		ID:         "42",
		SenderID:   "owner-1",
		ReceiverID: "worker-2",
		Content:    "can you cover friday?",
		CreatedAt:  time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
}

func TestOfflineSink_SendsKeyedRecord(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec OfflineMessage
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.Event != EventOfflineChat || rec.Message == nil || rec.Message.ID != "42" {
			return fmt.Errorf("unexpected record %s", val)
		}
		return nil
	})

	sink := NewOfflineSink(mp, "", zap.NewNop())
	if err := sink.Offline(context.Background(), offlineMsg()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestOfflineSink_SendFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewOfflineSink(mp, "offline", zap.NewNop())
	err := sink.Offline(context.Background(), offlineMsg())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("want broker error, got %v", err)
	}
	_ = sink.Close()
}

func TestOfflineSink_CancelledContext(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	sink := NewOfflineSink(mp, "offline", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Offline(ctx, offlineMsg()); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	_ = sink.Close()
}

func TestBuildBaseConfig(t *testing.T) {
	cfg := BuildBaseConfig(Config{Compression: "LZ4"})
	if cfg.Producer.Compression != sarama.CompressionLZ4 {
		t.Errorf("compression %v", cfg.Producer.Compression)
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForAll || !cfg.Producer.Return.Successes {
		t.Error("sync producer needs acks=all and successes")
	}
	if cfg.ClientID != "shiftchat" || cfg.Producer.Retry.Max != 5 {
		t.Errorf("defaults: client=%s retries=%d", cfg.ClientID, cfg.Producer.Retry.Max)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("invalid config: %v", err)
	}
}

// fakeAdmin implements only the admin calls EnsureTopics makes.
type fakeAdmin struct {
	sarama.ClusterAdmin
	partitions map[string]int
	created    []string
	expanded   map[string]int32
}

func (f *fakeAdmin) DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error) {
	out := make([]*sarama.TopicMetadata, 0, len(topics))
	for _, t := range topics {
		n, ok := f.partitions[t]
		if !ok {
			out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrUnknownTopicOrPartition})
			continue
		}
		md := &sarama.TopicMetadata{Name: t, Err: sarama.ErrNoError}
		for i := 0; i < n; i++ {
			md.Partitions = append(md.Partitions, &sarama.PartitionMetadata{ID: int32(i)})
		}
		out = append(out, md)
	}
	return out, nil
}

func (f *fakeAdmin) CreateTopic(topic string, d *sarama.TopicDetail, _ bool) error {
	f.created = append(f.created, topic)
	f.partitions[topic] = int(d.NumPartitions)
	return nil
}

func (f *fakeAdmin) CreatePartitions(topic string, count int32, _ [][]int32, _ bool) error {
	f.expanded[topic] = count
	return nil
}

func TestEnsureTopics(t *testing.T) {
	admin := &fakeAdmin{
		partitions: map[string]int{"small": 2, "ok": 8},
		expanded:   map[string]int32{},
	}
	err := EnsureTopics(admin, []string{"missing", "small", "ok"}, Config{Partitions: 8}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(admin.created) != 1 || admin.created[0] != "missing" {
		t.Errorf("created: %v", admin.created)
	}
	if len(admin.expanded) != 1 || admin.expanded["small"] != 8 {
		t.Errorf("expanded: %v", admin.expanded)
	}
}

func TestTopicDetail(t *testing.T) {
	td := topicDetail(Config{Partitions: 4, ReplicationFactor: 3})
	if td.NumPartitions != 4 || td.ReplicationFactor != 3 {
		t.Errorf("layout %+v", td)
	}
	if v := td.ConfigEntries["min.insync.replicas"]; v == nil || *v != "2" {
		t.Error("three replicas should require two in sync")
	}
	if v := topicDetail(Config{ReplicationFactor: 1}).ConfigEntries["min.insync.replicas"]; *v != "1" {
		t.Errorf("single replica min isr %s", *v)
	}
}

func TestAlreadyExists(t *testing.T) {
	if !alreadyExists(&sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}) {
		t.Error("topic error not recognised")
	}
	if alreadyExists(&sarama.TopicError{Err: sarama.ErrInvalidPartitions}) || alreadyExists(errors.New("x")) {
		t.Error("false positive")
	}
}
