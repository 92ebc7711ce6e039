// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ: reconnect, повтор топологии, Ping для /healthz
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//   - payload.go    — декодирование payload в типизированные структуры
//
// Типы сообщений:
//   - attempt.ready     — попытка готова к выполнению на воркере
//   - attempt.completed — воркер сообщает терминальный статус попытки
//   - attempt.heartbeat — воркер жив и выполняет попытку
//   - attempt.cancel    — остановить попытку (best-effort)
//
// Exchanges:
//   - tapestry.attempts — события попыток
//   - tapestry.cancel   — fanout отмен, у каждого воркера своя очередь
//   - tapestry.dlq      — dead letter queue
package mq
