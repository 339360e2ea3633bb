package notification

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

const (
	defaultProcessingTTL = 2 * time.Minute
	defaultDoneTTL       = 7 * 24 * time.Hour
	releaseTimeout       = 5 * time.Second
)

// Processor доставляет уведомление по событию заказа не более одного раза
// на пару orderId:status. Реализует rabbitmq.Handler.
type Processor struct {
	dedup         domain.DedupStore
	notifier      domain.Notifier
	metrics       *metrics.PipelineMetrics
	logger        *log.Entry
	processingTTL time.Duration
	doneTTL       time.Duration
}

// ProcessorOption настраивает Processor.
type ProcessorOption func(*Processor)

// WithProcessorMetrics подключает метрики дедупликации.
func WithProcessorMetrics(m *metrics.PipelineMetrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithProcessorLogger задаёт logger.
func WithProcessorLogger(logger *log.Entry) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTTL задаёт время жизни захвата и отметки о выполнении.
func WithTTL(processing, done time.Duration) ProcessorOption {
	return func(p *Processor) {
		if processing > 0 {
			p.processingTTL = processing
		}
		if done > 0 {
			p.doneTTL = done
		}
	}
}

// NewProcessor создаёт обработчик уведомлений.
func NewProcessor(dedup domain.DedupStore, notifier domain.Notifier, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dedup:         dedup,
		notifier:      notifier,
		logger:        log.WithField("component", "notification-processor"),
		processingTTL: defaultProcessingTTL,
		doneTTL:       defaultDoneTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ rabbitmq.Handler = (*Processor)(nil)

// HandleOrderEvent захватывает ключ дедупликации, вызывает Notifier и фиксирует результат.
// Дубликат подтверждается без отправки; неудачная отправка снимает захват,
// чтобы повторная доставка выполнила её заново.
func (p *Processor) HandleOrderEvent(ctx context.Context, event domain.OrderEvent, delivery rabbitmq.Delivery) error {
	key := event.DedupKey()
	logger := p.logger.WithFields(log.Fields{
		"order_id":       event.OrderID,
		"status":         string(event.Status),
		"queue":          delivery.Queue,
		"message_id":     delivery.MessageID,
		"delivery_count": delivery.DeliveryCount,
	})

	claim, err := p.dedup.Claim(ctx, key, p.processingTTL)
	if err != nil {
		p.metrics.RecordDedup("error")
		return fmt.Errorf("claim dedup key %q: %w", key, err)
	}
	p.metrics.RecordDedup(claim.String())

	switch claim {
	case domain.ClaimDuplicate:
		logger.Info("notification already sent, skipping duplicate")
		return nil
	case domain.ClaimBusy:
		return fmt.Errorf("%w: %s", domain.ErrDedupInProgress, key)
	}

	if err := p.notifier.Notify(ctx, event.OrderID, event.Status); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := p.dedup.Release(releaseCtx, key); relErr != nil {
			logger.WithError(relErr).Warn("failed to release dedup key")
		}
		return fmt.Errorf("notify order %s: %w", event.OrderID, err)
	}

	if err := p.dedup.MarkDone(ctx, key, p.doneTTL); err != nil {
		logger.WithError(err).Warn("notification sent but dedup key was not marked done")
	}
	logger.Info("notification sent")
	return nil
}
