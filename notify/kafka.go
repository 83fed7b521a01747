package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/household-points/points"
)

const DefaultKafkaTopic = "points.notifications"

// KafkaSink writes events keyed by recipient, so one user's events stay
// ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, ev points.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: body,
		Time:  ev.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
