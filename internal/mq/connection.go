package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected — соединение с брокером сейчас отсутствует.
var ErrNotConnected = errors.New("rabbitmq not connected")

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// SetupFunc объявляет на свежем канале то, что должно существовать до
// публикации и потребления: обменники, очереди, привязки.
type SetupFunc func(ch *amqp.Channel) error

// Connection держит соединение с RabbitMQ и один канал.
//
// После каждого (пере)подключения заново выполняются все SetupFunc:
// временные очереди отмен воркеров удаляются брокером вместе с
// соединением и должны появиться раньше, чем consumers перезапустятся.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	setups  []SetupFunc
	// reconnected закрывается и заменяется при каждом переподключении.
	reconnected chan struct{}

	closed   bool
	closedCh chan struct{}
}

// NewConnection подключается к брокеру и выполняет setups.
// Дальше соединение восстанавливается само.
func NewConnection(url string, logger *slog.Logger, setups ...SetupFunc) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:         url,
		logger:      logger.With("component", "mq"),
		setups:      setups,
		reconnected: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}

	if err := c.dial(); err != nil {
		return nil, err
	}

	go c.watch()
	return c, nil
}

// dial открывает соединение и канал и применяет setups.
func (c *Connection) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, setup := range c.setups {
		if err := setup(ch); err != nil {
			conn.Close()
			return fmt.Errorf("setup topology: %w", err)
		}
	}
	c.conn = conn
	c.channel = ch

	c.logger.Info("connected to RabbitMQ")
	return nil
}

// watch ждёт разрыва и восстанавливает соединение.
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-lost:
			if err != nil {
				c.logger.Warn("connection lost", "error", err)
			}
		}

		if !c.redial() {
			return
		}
	}
}

// redial повторяет dial с экспоненциальной задержкой. false — соединение
// закрыто через Close.
func (c *Connection) redial() bool {
	delay := minReconnectDelay
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect failed", "error", err, "next_delay", delay)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ")
		return true
	}
}

// OnConnect добавляет setup и сразу выполняет его на текущем канале.
// Используется, когда очередь известна только после старта, например
// очередь отмен конкретного воркера.
func (c *Connection) OnConnect(setup SetupFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setups = append(c.setups, setup)
	if c.channel == nil || c.channel.IsClosed() {
		// Выполнится при переподключении
		return nil
	}
	return setup(c.channel)
}

// Reconnected возвращает канал, который закроется при следующем
// переподключении. Брать его нужно до попытки использовать канал,
// тогда переподключение между попыткой и ожиданием не потеряется.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Channel возвращает текущий AMQP канал.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// WithChannel выполняет fn на текущем канале.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := c.Channel()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}
	return fn(ch)
}

// Ping возвращает ErrNotConnected, пока соединение не восстановлено.
// Подходит для /healthz.
func (c *Connection) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

// Close закрывает канал и соединение.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("connection closed")
	return errors.Join(errs...)
}
