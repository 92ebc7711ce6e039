package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tapestry/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeAttemptReady     MessageType = "attempt.ready"
	MessageTypeAttemptCompleted MessageType = "attempt.completed"
	MessageTypeAttemptHeartbeat MessageType = "attempt.heartbeat"
	MessageTypeAttemptCancel    MessageType = "attempt.cancel"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// AttemptReadyPayload — payload для попытки, готовой к выполнению.
type AttemptReadyPayload struct {
	Request domain.AttemptRequest `json:"request"`
}

// AttemptStatusPayload — статус попытки от воркера.
type AttemptStatusPayload struct {
	AttemptID uuid.UUID            `json:"attempt_id"`
	WorkerID  string               `json:"worker_id"`
	Status    domain.AttemptStatus `json:"status"`
	Outputs   map[string]any       `json:"outputs,omitempty"`
	Error     string               `json:"error,omitempty"`
	Kind      domain.FailureKind   `json:"kind,omitempty"`
}

// HeartbeatPayload — сигнал жизни воркера по попытке.
type HeartbeatPayload struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	WorkerID  string    `json:"worker_id"`
	SentAt    time.Time `json:"sent_at"`
}

// AttemptCancelPayload — запрос на остановку попытки.
type AttemptCancelPayload struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Reason    string    `json:"reason,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishAttemptReady публикует попытку, готовую к выполнению.
// Потребитель: Worker.
func (p *Publisher) PublishAttemptReady(ctx context.Context, req domain.AttemptRequest) error {
	return p.PublishJSON(ctx, ExchangeAttempts, RoutingKeyReady, MessageTypeAttemptReady,
		AttemptReadyPayload{Request: req})
}

// PublishAttemptCompleted публикует терминальный статус попытки.
// Потребитель: Orchestrator.
func (p *Publisher) PublishAttemptCompleted(ctx context.Context, payload AttemptStatusPayload) error {
	return p.PublishJSON(ctx, ExchangeAttempts, RoutingKeyCompleted, MessageTypeAttemptCompleted, payload)
}

// PublishHeartbeat публикует heartbeat попытки.
// Потребитель: Orchestrator.
func (p *Publisher) PublishHeartbeat(ctx context.Context, attemptID uuid.UUID, workerID string) error {
	return p.PublishJSON(ctx, ExchangeAttempts, RoutingKeyHeartbeat, MessageTypeAttemptHeartbeat,
		HeartbeatPayload{AttemptID: attemptID, WorkerID: workerID, SentAt: time.Now().UTC()})
}

// PublishAttemptCancel рассылает отмену всем воркерам.
func (p *Publisher) PublishAttemptCancel(ctx context.Context, attemptID uuid.UUID, reason string) error {
	return p.PublishJSON(ctx, ExchangeCancel, "", MessageTypeAttemptCancel,
		AttemptCancelPayload{AttemptID: attemptID, Reason: reason})
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
