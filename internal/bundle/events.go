package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// EventQueue is the queue the notification system consumes build lifecycle
// events from.
const EventQueue = "bundle.build.status"

// EventPublisher announces build lifecycle transitions. Publishing is
// best-effort: callers log a failed publish and never let it affect the
// build itself.
type EventPublisher interface {
	PublishStatus(ctx context.Context, b *Build) error
}

var _ EventPublisher = (*AMQPPublisher)(nil)

// AMQPPublisher publishes build lifecycle events to RabbitMQ.
type AMQPPublisher struct {
	connectionString string // required
}

func NewAMQPPublisher(connectionString string) *AMQPPublisher {
	return &AMQPPublisher{connectionString: connectionString}
}

func (p *AMQPPublisher) PublishStatus(ctx context.Context, b *Build) error {
	type message struct {
		BuildID           uuid.UUID `json:"build_id"`
		PublisherID       uuid.UUID `json:"publisher_id"`
		Version           string    `json:"version"`
		ConfigFingerprint string    `json:"config_fingerprint"`
		Status            Status    `json:"status"`
		ErrorMessage      *string   `json:"error_message,omitempty"`
		OccurredAt        time.Time `json:"occurred_at"`
	}
	msg := message{
		BuildID:           b.ID,
		PublisherID:       b.PublisherID,
		Version:           b.Version,
		ConfigFingerprint: b.ConfigFingerprint,
		Status:            b.Status,
		ErrorMessage:      b.ErrorMessage,
		OccurredAt:        time.Now().UTC(),
	}
	msgBuf := new(bytes.Buffer)
	if err := json.NewEncoder(msgBuf).Encode(msg); err != nil {
		return fmt.Errorf("publish build status: %w", err)
	}

	conn, err := amqp091.Dial(p.connectionString)
	if err != nil {
		return fmt.Errorf("publish build status: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("publish build status: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(EventQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("publish build status: %w", err)
	}

	m := amqp091.Publishing{
		ContentType: "application/json",
		Body:        msgBuf.Bytes(),
	}
	err = ch.PublishWithContext(ctx, "", q.Name, false, false, m)
	if err != nil {
		return fmt.Errorf("publish build status: %w", err)
	}

	return nil
}
