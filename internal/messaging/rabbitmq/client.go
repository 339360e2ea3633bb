package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHeartbeat      = 10 * time.Second
	defaultDialTimeout    = 5 * time.Second
	defaultMaxDialElapsed = 30 * time.Second
)

// ErrClientClosed — соединение с брокером закрыто.
var ErrClientClosed = errors.New("rabbitmq connection is closed")

// Config описывает подключение к брокеру.
type Config struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	// MaxDialElapsed ограничивает суммарное время повторов при старте.
	MaxDialElapsed time.Duration
}

// Client владеет AMQP-соединением. Создаётся при старте сервиса и закрывается при остановке.
type Client struct {
	conn   *amqp.Connection
	logger *log.Entry
}

// Dial подключается к брокеру с ограниченным экспоненциальным повтором.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxDialElapsed <= 0 {
		cfg.MaxDialElapsed = defaultMaxDialElapsed
	}

	logger := log.WithFields(log.Fields{
		"component":  "rabbitmq-client",
		"connection": cfg.ConnectionName,
	})

	amqpCfg := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.DialTimeout),
		Properties: amqp.Table{
			"connection_name": cfg.ConnectionName,
		},
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.MaxDialElapsed

	var conn *amqp.Connection
	operation := func() error {
		c, err := amqp.DialConfig(cfg.URL, amqpCfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next).Warn("rabbitmq dial failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	logger.Info("connected to rabbitmq")
	return &Client{conn: conn, logger: logger}, nil
}

// Channel открывает обычный канал (объявление топологии, потребление).
func (c *Client) Channel() (*amqp.Channel, error) {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return nil, ErrClientClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// ConfirmChannel открывает канал в режиме publisher confirms.
func (c *Client) ConfirmChannel() (*ConfirmChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	confirm, err := NewConfirmChannel(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return confirm, nil
}

// NotifyClose подписывается на закрытие соединения.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Ping сообщает, живо ли соединение, для health-check.
func (c *Client) Ping(context.Context) error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return ErrClientClosed
	}
	return nil
}

// Close закрывает соединение и все его каналы.
func (c *Client) Close() error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	c.logger.Info("rabbitmq connection closed")
	return nil
}
