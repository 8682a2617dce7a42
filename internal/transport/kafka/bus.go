package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Bus publishes ledger events to Kafka. The topic is chosen per message.
type Bus struct {
	writer *kafka.Writer
}

func NewBus(brokers []string) *Bus {
	return &Bus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: data,
	})
}

func (b *Bus) Close() error {
	return b.writer.Close()
}
