package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

const (
	defaultPrefetch       = 16
	defaultWorkers        = 4
	defaultHandlerTimeout = 30 * time.Second
	defaultTagPrefix      = "orderpipe"

	headerDeliveryCount = "x-delivery-count"
)

// ErrDeliveriesClosed — брокер закрыл канал доставок без запроса на остановку.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// Delivery — метаданные доставки, доступные обработчику.
type Delivery struct {
	Queue       string
	RoutingKey  string
	MessageID   string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	// DeliveryCount — число предыдущих неудачных доставок по данным quorum-очереди.
	DeliveryCount int64
}

// Handler обрабатывает декодированное событие заказа.
type Handler interface {
	HandleOrderEvent(ctx context.Context, event domain.OrderEvent, delivery Delivery) error
}

// HandlerFunc адаптирует функцию к Handler.
type HandlerFunc func(ctx context.Context, event domain.OrderEvent, delivery Delivery) error

// HandleOrderEvent вызывает f.
func (f HandlerFunc) HandleOrderEvent(ctx context.Context, event domain.OrderEvent, delivery Delivery) error {
	return f(ctx, event, delivery)
}

// ConsumeChannel — подмножество *amqp.Channel, нужное потребителю.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// ConsumerConfig настраивает потребителя.
type ConsumerConfig struct {
	Queues         []string
	Prefetch       int
	Workers        int
	HandlerTimeout time.Duration
	TagPrefix      string
}

// Consumer читает основные очереди без autoAck и раскладывает доставки по воркерам
// по хешу orderId: события одного заказа обрабатываются одним воркером по порядку.
type Consumer struct {
	ch         ConsumeChannel
	handler    Handler
	cfg        ConsumerConfig
	classifier *Classifier
	metrics    *metrics.PipelineMetrics
	logger     *log.Entry
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics подключает метрики потребления.
func WithConsumerMetrics(m *metrics.PipelineMetrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithClassifier заменяет классификатор ошибок.
func WithClassifier(classifier *Classifier) ConsumerOption {
	return func(c *Consumer) {
		if classifier != nil {
			c.classifier = classifier
		}
	}
}

// NewConsumer проверяет конфигурацию и создаёт потребителя.
func NewConsumer(ch ConsumeChannel, handler Handler, cfg ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if ch == nil {
		return nil, errors.New("consume channel is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = defaultTagPrefix
	}

	logger := log.WithField("component", "rabbitmq-consumer")
	c := &Consumer{
		ch:         ch,
		handler:    handler,
		cfg:        cfg,
		classifier: NewClassifier(logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run потребляет все очереди до отмены ctx. При остановке отменяет подписки,
// дожидается, пока воркеры подтвердят уже полученные доставки, и возвращает nil.
// Неожиданное закрытие канала доставок возвращает ошибку.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range c.cfg.Queues {
		g.Go(func() error {
			return c.consumeQueue(gctx, queue)
		})
	}

	c.logger.WithFields(log.Fields{
		"queues":   c.cfg.Queues,
		"prefetch": c.cfg.Prefetch,
		"workers":  c.cfg.Workers,
	}).Info("consumer started")

	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

type job struct {
	delivery amqp.Delivery
	event    domain.OrderEvent
	meta     Delivery
}

func (c *Consumer) consumeQueue(ctx context.Context, queue string) error {
	tag := c.cfg.TagPrefix + "." + queue
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	logger := c.logger.WithFields(log.Fields{"queue": queue, "consumer_tag": tag})

	inboxes := make([]chan job, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range inboxes {
		inboxes[i] = make(chan job, c.cfg.Prefetch)
		wg.Add(1)
		go func(inbox <-chan job) {
			defer wg.Done()
			for j := range inbox {
				c.handle(ctx, queue, j)
			}
		}(inboxes[i])
	}
	defer func() {
		for _, inbox := range inboxes {
			close(inbox)
		}
		wg.Wait()
	}()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("delivery channel closed unexpectedly")
				return fmt.Errorf("%w: queue %s", ErrDeliveriesClosed, queue)
			}
			c.dispatch(queue, tag, d, inboxes)

		case <-ctx.Done():
			logger.Info("cancelling consumer")
			if err := c.ch.Cancel(tag, false); err != nil {
				logger.WithError(err).Warn("cancel consumer failed, unacked deliveries return to queue")
				return nil
			}
			for d := range deliveries {
				c.dispatch(queue, tag, d, inboxes)
			}
			return nil
		}
	}
}

// dispatch декодирует доставку и отдаёт её воркеру; некорректное тело отклоняется сразу.
func (c *Consumer) dispatch(queue, tag string, d amqp.Delivery, inboxes []chan job) {
	meta := Delivery{
		Queue:         queue,
		RoutingKey:    d.RoutingKey,
		MessageID:     d.MessageId,
		ConsumerTag:   tag,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		DeliveryCount: headerInt(d.Headers, headerDeliveryCount),
	}

	event, err := domain.DecodeOrderEvent(d.Body)
	if err != nil {
		c.settle(d, meta, "", err, 0)
		return
	}

	shard := xxhash.Sum64String(event.OrderID) % uint64(len(inboxes))
	inboxes[shard] <- job{delivery: d, event: event, meta: meta}
}

func (c *Consumer) handle(base context.Context, queue string, j job) {
	c.metrics.DeliveryStarted()
	defer c.metrics.DeliveryFinished()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), c.cfg.HandlerTimeout)
	defer cancel()

	started := time.Now()
	err := c.invoke(ctx, j)
	c.settle(j.delivery, j.meta, j.event.OrderID, err, time.Since(started))
}

func (c *Consumer) invoke(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.HandleOrderEvent(ctx, j.event, j.meta)
}

func (c *Consumer) settle(d amqp.Delivery, meta Delivery, orderID string, handleErr error, duration time.Duration) {
	fields := log.Fields{
		"queue":          meta.Queue,
		"routing_key":    meta.RoutingKey,
		"delivery_tag":   meta.DeliveryTag,
		"message_id":     meta.MessageID,
		"redelivered":    meta.Redelivered,
		"delivery_count": meta.DeliveryCount,
	}
	if orderID != "" {
		fields["order_id"] = orderID
	}

	outcome := c.classifier.Classify(handleErr, fields)

	var err error
	switch outcome {
	case OutcomeAck:
		err = d.Ack(false)
	case OutcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("failed to settle delivery")
	}

	c.metrics.RecordDelivery(meta.Queue, outcome.String(), duration)
}

func headerInt(headers amqp.Table, key string) int64 {
	switch v := headers[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case uint8:
		return int64(v)
	default:
		return 0
	}
}
