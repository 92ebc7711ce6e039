package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает одно сообщение.
//
// nil — ack. Ошибка с ErrMalformed — сообщение уходит в DLQ, повтор
// его не исправит. Любая другая ошибка возвращает сообщение в очередь.
type Handler func(ctx context.Context, msg *Message) error

// Consumer читает одну очередь и раздаёт сообщения обработчикам по типу.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handlers map[MessageType]Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue Queue

	// Handlers — обработчик для каждого ожидаемого типа сообщения.
	// Сообщения других типов уходят в DLQ.
	Handlers map[MessageType]Handler

	// Prefetch — сколько неподтверждённых сообщений держит брокер (default: 1).
	Prefetch int

	Logger *slog.Logger
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handlers: cfg.Handlers,
		prefetch: prefetch,
	}
}

// Start читает очередь до отмены ctx. После разрыва соединения ждёт
// переподключения и подписывается заново.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		reconnected := c.conn.Reconnected()

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
			if ctx.Err() == nil {
				c.logger.Warn("deliveries channel closed, waiting for reconnect")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		}
	}
}

// Stop прекращает чтение очереди.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil || ch.IsClosed() {
		return nil, ErrNotConnected
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает сообщения, пока канал доставки открыт.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.settle(raw, c.handle(ctx, raw.Body))
		}
	}
}

// handle декодирует тело и вызывает обработчик его типа.
func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	h, ok := c.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: unexpected message type %q", ErrMalformed, msg.Type)
	}

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)
	if err := h(ctx, &msg); err != nil {
		return fmt.Errorf("message %s (%s): %w", msg.ID, msg.Type, err)
	}
	return nil
}

// Disposition — что сделать с сообщением после обработки.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	DeadLetter
)

// Settle выбирает судьбу сообщения по ошибке обработчика.
func Settle(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return DeadLetter
	default:
		return Requeue
	}
}

func (c *Consumer) settle(raw amqp.Delivery, err error) {
	var ackErr error
	switch Settle(err) {
	case Ack:
		ackErr = raw.Ack(false)
	case DeadLetter:
		c.logger.Error("message dead-lettered", "error", err)
		ackErr = raw.Nack(false, false)
	case Requeue:
		c.logger.Warn("message requeued", "error", err)
		ackErr = raw.Nack(false, true)
	}
	if ackErr != nil {
		c.logger.Warn("failed to settle message", "error", ackErr)
	}
}
