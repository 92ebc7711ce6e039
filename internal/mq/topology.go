package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeAttempts Exchange = "tapestry.attempts"
	ExchangeCancel   Exchange = "tapestry.cancel"
	ExchangeDLQ      Exchange = "tapestry.dlq"
)

// Queues — имена очередей.
const (
	QueueAttemptsReady     Queue = "attempts.ready"
	QueueAttemptsCompleted Queue = "attempts.completed"
	QueueAttemptsHeartbeat Queue = "attempts.heartbeat"
	QueueDLQAttempts       Queue = "dlq.attempts"
)

// Routing keys.
const (
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyHeartbeat RoutingKey = "heartbeat"
	RoutingKeyDLQ       RoutingKey = "attempts"
)

// DeclareTopology объявляет обменники, очереди и привязки Tapestry.
// Передаётся в NewConnection и повторяется после каждого переподключения.
func DeclareTopology(ch *amqp.Channel) error {
	// 1. Создаём exchanges
	if err := declareExchanges(ch); err != nil {
		return err
	}

	// 2. Создаём queues
	if err := declareQueues(ch); err != nil {
		return err
	}

	// 3. Привязываем queues к exchanges
	return bindQueues(ch)
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeAttempts, "direct"},
		{ExchangeCancel, "fanout"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// attempts.ready — с DLQ (битые запросы не должны крутиться вечно)
		{QueueAttemptsReady, dlqArgs},

		{QueueAttemptsCompleted, nil},
		{QueueAttemptsHeartbeat, nil},
		{QueueDLQAttempts, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueAttemptsReady, RoutingKeyReady, ExchangeAttempts},
		{QueueAttemptsCompleted, RoutingKeyCompleted, ExchangeAttempts},
		{QueueAttemptsHeartbeat, RoutingKeyHeartbeat, ExchangeAttempts},
		{QueueDLQAttempts, RoutingKeyDLQ, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// CancelQueue возвращает имя очереди отмен конкретного воркера.
func CancelQueue(workerID string) Queue {
	return Queue("attempts.cancel." + workerID)
}

// DeclareCancelQueue объявляет очередь отмен воркера и привязывает её
// к fanout-обменнику. Очередь удаляется вместе с последним consumer.
func DeclareCancelQueue(workerID string) SetupFunc {
	return func(ch *amqp.Channel) error {
		name := string(CancelQueue(workerID))
		if _, err := ch.QueueDeclare(name, false, true, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, "", string(ExchangeCancel), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", name, ExchangeCancel, err)
		}
		return nil
	}
}
