// Package stream publishes merge events to Kafka for downstream consumers
// (segmentation, analytics, deletion pipelines). Events are staged in a
// transactional outbox by the store and drained by a background worker, so a
// merge is only ever announced after it committed.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// MergeEvent is the wire payload for one applied merge. Field names match
// the outbox rows written by the store.
type MergeEvent struct {
	MergeLogID string    `json:"merge_log_id"`
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	MergeType  string    `json:"merge_type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Publisher delivers merge events to the stream.
type Publisher interface {
	Publish(ctx context.Context, event MergeEvent) error
	Close()
}

// KafkaPublisher publishes merge events through franz-go. Records are keyed
// by merge log id so replays land deterministically in the same partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event MergeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding merge event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.MergeLogID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing merge event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}
