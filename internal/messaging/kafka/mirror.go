package kafka

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

const defaultMirrorQueueSize = 1024

// RecordPublisher отправляет запись в топик Kafka.
type RecordPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
}

type mirrorJob struct {
	key    string
	record *LifecycleRecord
}

// MirrorPublisher публикует событие основным публикатором и, после его
// подтверждения, ставит запись для аудит-топика в ограниченную очередь.
// Отправку в Kafka выполняет Run; Publish её не ждёт. При переполненной
// очереди запись отбрасывается и учитывается как неудачное зеркалирование.
type MirrorPublisher struct {
	primary domain.EventPublisher
	mirror  RecordPublisher
	topic   string
	source  string
	queue   chan mirrorJob
	metrics *metrics.PipelineMetrics
	logger  *log.Entry
}

// MirrorOption настраивает MirrorPublisher.
type MirrorOption func(*MirrorPublisher)

// WithMirrorQueueSize задаёт ёмкость очереди записей.
func WithMirrorQueueSize(n int) MirrorOption {
	return func(p *MirrorPublisher) {
		if n > 0 {
			p.queue = make(chan mirrorJob, n)
		}
	}
}

// NewMirrorPublisher создаёт декоратор над основным публикатором.
func NewMirrorPublisher(primary domain.EventPublisher, mirror RecordPublisher, source string, m *metrics.PipelineMetrics, opts ...MirrorOption) *MirrorPublisher {
	p := &MirrorPublisher{
		primary: primary,
		mirror:  mirror,
		topic:   TopicOrderLifecycle,
		source:  source,
		queue:   make(chan mirrorJob, defaultMirrorQueueSize),
		metrics: m,
		logger:  log.WithField("component", "kafka-mirror"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish возвращает результат основного публикатора.
func (p *MirrorPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	if err := p.primary.Publish(ctx, event); err != nil {
		return err
	}

	job := mirrorJob{key: event.OrderID, record: NewLifecycleRecord(event, p.source)}
	select {
	case p.queue <- job:
	default:
		p.metrics.RecordMirrorFailure()
		p.logger.WithFields(log.Fields{
			"order_id": event.OrderID,
			"status":   event.Status,
		}).Warn("kafka mirror queue is full, record dropped")
	}
	return nil
}

// Run отправляет записи из очереди до отмены ctx, затем досылает уже
// поставленные в очередь.
func (p *MirrorPublisher) Run(ctx context.Context) {
	for {
		select {
		case job := <-p.queue:
			p.send(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-p.queue:
					p.send(job)
				default:
					return
				}
			}
		}
	}
}

// Pending возвращает число записей, ожидающих отправки.
func (p *MirrorPublisher) Pending() int {
	return len(p.queue)
}

func (p *MirrorPublisher) send(job mirrorJob) {
	if err := p.mirror.PublishEvent(p.topic, job.key, job.record); err != nil {
		p.metrics.RecordMirrorFailure()
		p.logger.WithError(err).WithFields(log.Fields{
			"order_id": job.key,
			"status":   job.record.Status,
		}).Warn("failed to mirror order event to kafka")
	}
}

var _ domain.EventPublisher = (*MirrorPublisher)(nil)
