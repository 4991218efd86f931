package jobs

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitBroker keeps job ids in a durable RabbitMQ queue. Deliveries are
// acknowledged manually, so a crashed worker's job is redelivered.
type RabbitBroker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewRabbitBroker dials url and declares the durable queue.
func NewRabbitBroker(url, queue string, prefetch int) (*RabbitBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a RabbitMQ channel: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a %s queue: %w", queue, err)
	}

	if prefetch > 0 {
		if err := channel.Qos(prefetch, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	return &RabbitBroker{conn: conn, channel: channel, queue: queue}, nil
}

func (r *RabbitBroker) Publish(ctx context.Context, jobID string) error {
	err := r.channel.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		Body:         []byte(jobID),
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	return nil
}

func (r *RabbitBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	src, err := r.channel.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s queue: %w", r.queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				msg := d
				delivery := Delivery{
					JobID: string(msg.Body),
					ack:   func() error { return msg.Ack(false) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					// unacked, the server redelivers it
					msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RabbitBroker) Ping(context.Context) error {
	if r.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (r *RabbitBroker) Close() error {
	if err := r.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
