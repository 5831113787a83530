// Package messaging adapts confluent-kafka-go to ports.MessagingPort,
// repurposed from the teacher's full pub/sub KafkaMessaging into a
// fire-and-forget audit event publisher: sync runs and batch pushes
// are announced here for downstream consumers (e.g. a dashboard), but
// nothing in StoreSync ever subscribes back (spec.md §9's "no
// bidirectional sync" non-goal extends to this channel too).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/athebyme/storesync/internal/ports"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// KafkaMessaging implements ports.MessagingPort.
type KafkaMessaging struct {
	producer     *kafka.Producer
	writeTimeout time.Duration
}

func NewKafkaMessaging(brokers []string, writeTimeout time.Duration) (*KafkaMessaging, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":            brokers,
		"client.id":                    "storesync-audit-producer",
		"acks":                         "1",
		"retries":                      5,
		"retry.backoff.ms":             500,
		"compression.type":             "snappy",
		"linger.ms":                    50,
		"queue.buffering.max.messages": 10000,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &KafkaMessaging{producer: producer, writeTimeout: writeTimeout}, nil
}

// Publish marshals event and produces it to topic, keyed by the event
// ID for partition stickiness. Delivery is asynchronous; Produce
// errors here are almost always "queue full" and are surfaced to the
// caller so it can log and move on — audit events are best-effort by
// design, never on the critical path of a sync run.
func (k *KafkaMessaging) Publish(ctx context.Context, topic string, event ports.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
		Key:            []byte(event.ID),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	return k.producer.Produce(msg, nil)
}

func (k *KafkaMessaging) Close() error {
	k.producer.Flush(int(k.writeTimeout.Milliseconds()))
	k.producer.Close()
	return nil
}
