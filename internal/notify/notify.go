// Package notify hands message events to the email notification service
// through a topic exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange                 = "chat.events"
	RoutingKeyMessageCreated = "message.created"

	previewLength = 140
)

type Recipient struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// MessageCreated is published for a new message with the subscribers who
// were not in the room to see it.
type MessageCreated struct {
	RoomId     string      `json:"room_id"`
	RoomName   string      `json:"room_name"`
	MessageId  string      `json:"message_id"`
	SenderId   int         `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Preview    string      `json:"preview"`
	Recipients []Recipient `json:"recipients"`
	CreatedAt  time.Time   `json:"created_at"`
}

type Publisher interface {
	MessageCreated(ctx context.Context, ev MessageCreated) error
	Close() error
}

// Preview shortens content to the length shown in a notification.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength-1]) + "…"
}

type AMQPPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials url and declares the durable topic exchange.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) MessageCreated(ctx context.Context, ev MessageCreated) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, Exchange, RoutingKeyMessageCreated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.MessageId,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) MessageCreated(context.Context, MessageCreated) error { return nil }
func (Nop) Close() error                                        { return nil }
