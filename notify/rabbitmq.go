package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warp/household-points/points"
)

const DefaultRabbitQueue = "notifications"

// RabbitSink publishes events to a durable queue on the default exchange.
type RabbitSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func DialRabbit(url, queue string) (*RabbitSink, error) {
	if queue == "" {
		queue = DefaultRabbitQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitSink{conn: conn, ch: ch, queue: queue}, nil
}

func (s *RabbitSink) Publish(ctx context.Context, ev points.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Type:         string(ev.Type),
			Timestamp:    ev.CreatedAt,
			Body:         body,
		})
}

func (s *RabbitSink) Close() error {
	s.ch.Close()
	return s.conn.Close()
}
