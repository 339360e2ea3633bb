package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	defaultAppID          = "order-service"
	contentTypeJSON       = "application/json"
)

// Publisher публикует события заказа в основной exchange с подтверждением брокера.
type Publisher struct {
	ch             ConfirmPublisher
	topology       Topology
	appID          string
	confirmTimeout time.Duration
	metrics        *metrics.PipelineMetrics
	logger         *log.Entry
}

// PublisherOption настраивает Publisher.
type PublisherOption func(*Publisher)

// WithAppID задаёт AppId в свойствах сообщения.
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		if appID != "" {
			p.appID = appID
		}
	}
}

// WithConfirmTimeout ограничивает ожидание подтверждения.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublisherMetrics подключает метрики публикации.
func WithPublisherMetrics(m *metrics.PipelineMetrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher создаёт публикатор поверх confirm-канала.
func NewPublisher(ch ConfirmPublisher, topology Topology, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		topology:       topology,
		appID:          defaultAppID,
		confirmTimeout: defaultConfirmTimeout,
		logger:         log.WithField("component", "rabbitmq-publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish возвращает nil только после basic.ack. Любой другой исход даёт *domain.PublishError.
func (p *Publisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	routingKey, err := p.topology.RoutingKey(event.Type)
	if err != nil {
		return &domain.PublishError{OrderID: event.OrderID, Err: err}
	}

	body, err := event.Encode()
	if err != nil {
		return &domain.PublishError{OrderID: event.OrderID, RoutingKey: routingKey, Err: err}
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(event.Type),
		Timestamp:    timestamp.UTC(),
		AppId:        p.appID,
		Body:         body,
	}

	logger := p.logger.WithFields(log.Fields{
		"order_id":    event.OrderID,
		"routing_key": routingKey,
		"message_id":  msg.MessageId,
		"status":      event.Status,
	})

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	started := time.Now()
	err = p.ch.PublishConfirmed(confirmCtx, p.topology.Exchange, routingKey, msg)
	p.metrics.RecordPublish(routingKey, err, time.Since(started))
	if err != nil {
		logger.WithError(err).Error("order event was not confirmed by broker")
		return &domain.PublishError{
			OrderID:    event.OrderID,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("exchange %s: %w", p.topology.Exchange, err),
		}
	}

	logger.Debug("order event published")
	return nil
}

var _ domain.EventPublisher = (*Publisher)(nil)
