package rabbitmq

import (
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

// Имена сущностей брокера общие для обоих сервисов.
const (
	ExchangeOrderEvents = "order.events.exchange"
	ExchangeDeadLetter  = "order.events.dlx"

	RoutingKeyOrderCreated  = "order.created.key"
	RoutingKeyStatusChanged = "order.status.changed.key"

	QueueOrderCreated  = "order.created"
	QueueStatusChanged = "order.status.changed"

	QueueOrderCreatedDLQ  = "order.created.dlq"
	QueueStatusChangedDLQ = "order.status.changed.dlq"

	DeadLetterKeyOrderCreated  = "order.dlq.created"
	DeadLetterKeyStatusChanged = "order.dlq.status.changed"

	// DefaultMaxDeliveries — число повторных доставок сверх первой до dead-letter.
	DefaultMaxDeliveries = 3

	ArgQueueType          = "x-queue-type"
	ArgDeliveryLimit      = "x-delivery-limit"
	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgDeadLetterKey      = "x-dead-letter-routing-key"

	queueTypeQuorum = "quorum"
)

var (
	// ErrTopologyInvalid — граф топологии не проходит проверку.
	ErrTopologyInvalid = errors.New("invalid broker topology")
	// ErrTopologyConflict — брокер уже содержит сущность с другими параметрами.
	ErrTopologyConflict = errors.New("broker topology conflict")
)

// Family связывает тип события с очередью, ключом маршрутизации и DLQ.
type Family struct {
	EventType       domain.EventType
	RoutingKey      string
	Queue           string
	DeadLetterQueue string
	DeadLetterKey   string
}

// Topology — статический граф exchange/queue/binding.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	MaxDeliveries      int
	Families           []Family
}

// DefaultTopology возвращает граф событий заказа. maxDeliveries <= 0 даёт значение по умолчанию.
func DefaultTopology(maxDeliveries int) Topology {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return Topology{
		Exchange:           ExchangeOrderEvents,
		DeadLetterExchange: ExchangeDeadLetter,
		MaxDeliveries:      maxDeliveries,
		Families: []Family{
			{
				EventType:       domain.EventTypeCreated,
				RoutingKey:      RoutingKeyOrderCreated,
				Queue:           QueueOrderCreated,
				DeadLetterQueue: QueueOrderCreatedDLQ,
				DeadLetterKey:   DeadLetterKeyOrderCreated,
			},
			{
				EventType:       domain.EventTypeStatusChanged,
				RoutingKey:      RoutingKeyStatusChanged,
				Queue:           QueueStatusChanged,
				DeadLetterQueue: QueueStatusChangedDLQ,
				DeadLetterKey:   DeadLetterKeyStatusChanged,
			},
		},
	}
}

// Validate проверяет, что у каждого типа события есть собственная очередь,
// ключ и DLQ, и что ни одна очередь не делится между семействами.
func (t Topology) Validate() error {
	if strings.TrimSpace(t.Exchange) == "" {
		return fmt.Errorf("%w: primary exchange name is empty", ErrTopologyInvalid)
	}
	if strings.TrimSpace(t.DeadLetterExchange) == "" {
		return fmt.Errorf("%w: dead-letter exchange name is empty", ErrTopologyInvalid)
	}
	if t.Exchange == t.DeadLetterExchange {
		return fmt.Errorf("%w: primary and dead-letter exchange must differ", ErrTopologyInvalid)
	}
	if t.MaxDeliveries < 1 {
		return fmt.Errorf("%w: max deliveries must be positive, got %d", ErrTopologyInvalid, t.MaxDeliveries)
	}

	types := make(map[domain.EventType]struct{}, len(t.Families))
	keys := make(map[string]struct{}, len(t.Families))
	dlKeys := make(map[string]struct{}, len(t.Families))
	queues := make(map[string]struct{}, 2*len(t.Families))

	for _, f := range t.Families {
		if !f.EventType.Valid() {
			return fmt.Errorf("%w: unknown event type %q", ErrTopologyInvalid, f.EventType)
		}
		if _, dup := types[f.EventType]; dup {
			return fmt.Errorf("%w: event type %q declared twice", ErrTopologyInvalid, f.EventType)
		}
		types[f.EventType] = struct{}{}

		if strings.TrimSpace(f.Queue) == "" {
			return fmt.Errorf("%w: event type %q has no bound queue", ErrTopologyInvalid, f.EventType)
		}
		if strings.TrimSpace(f.RoutingKey) == "" {
			return fmt.Errorf("%w: event type %q has no routing key", ErrTopologyInvalid, f.EventType)
		}
		if strings.TrimSpace(f.DeadLetterQueue) == "" || strings.TrimSpace(f.DeadLetterKey) == "" {
			return fmt.Errorf("%w: queue %q has no dead-letter route", ErrTopologyInvalid, f.Queue)
		}

		if _, dup := keys[f.RoutingKey]; dup {
			return fmt.Errorf("%w: routing key %q shared by two families", ErrTopologyInvalid, f.RoutingKey)
		}
		keys[f.RoutingKey] = struct{}{}

		if _, dup := dlKeys[f.DeadLetterKey]; dup {
			return fmt.Errorf("%w: dead-letter key %q shared by two families", ErrTopologyInvalid, f.DeadLetterKey)
		}
		dlKeys[f.DeadLetterKey] = struct{}{}

		for _, q := range []string{f.Queue, f.DeadLetterQueue} {
			if _, dup := queues[q]; dup {
				return fmt.Errorf("%w: queue %q shared by two families", ErrTopologyInvalid, q)
			}
			queues[q] = struct{}{}
		}
	}

	for _, et := range []domain.EventType{domain.EventTypeCreated, domain.EventTypeStatusChanged} {
		if _, ok := types[et]; !ok {
			return fmt.Errorf("%w: event type %q has no family", ErrTopologyInvalid, et)
		}
	}
	return nil
}

// Family возвращает семейство для типа события.
func (t Topology) Family(eventType domain.EventType) (Family, bool) {
	for _, f := range t.Families {
		if f.EventType == eventType {
			return f, true
		}
	}
	return Family{}, false
}

// RoutingKey возвращает ключ маршрутизации для типа события.
func (t Topology) RoutingKey(eventType domain.EventType) (string, error) {
	f, ok := t.Family(eventType)
	if !ok {
		return "", fmt.Errorf("%w: no routing key for event type %q", ErrTopologyInvalid, eventType)
	}
	return f.RoutingKey, nil
}

// Queues возвращает основные очереди в порядке объявления.
func (t Topology) Queues() []string {
	out := make([]string, 0, len(t.Families))
	for _, f := range t.Families {
		out = append(out, f.Queue)
	}
	return out
}

// DeadLetterQueues возвращает DLQ в порядке объявления.
func (t Topology) DeadLetterQueues() []string {
	out := make([]string, 0, len(t.Families))
	for _, f := range t.Families {
		out = append(out, f.DeadLetterQueue)
	}
	return out
}

// FamilyByDeadLetterQueue находит семейство по имени DLQ.
func (t Topology) FamilyByDeadLetterQueue(queue string) (Family, bool) {
	for _, f := range t.Families {
		if f.DeadLetterQueue == queue {
			return f, true
		}
	}
	return Family{}, false
}

// QueueArgs — аргументы основной очереди: quorum, лимит доставок и маршрут в DLX.
func (t Topology) QueueArgs(f Family) amqp.Table {
	return amqp.Table{
		ArgQueueType:          queueTypeQuorum,
		ArgDeliveryLimit:      int32(t.MaxDeliveries),
		ArgDeadLetterExchange: t.DeadLetterExchange,
		ArgDeadLetterKey:      f.DeadLetterKey,
	}
}

// DeadLetterQueueArgs — аргументы DLQ: quorum без собственного dead-letter маршрута.
func (t Topology) DeadLetterQueueArgs() amqp.Table {
	return amqp.Table{ArgQueueType: queueTypeQuorum}
}

// Declarer — подмножество *amqp.Channel, нужное для объявления топологии.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology объявляет exchange, затем DLQ с привязками, затем основные очереди.
// Повторное объявление тех же сущностей ничего не меняет.
func DeclareTopology(ch Declarer, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}

	for _, name := range []string{t.Exchange, t.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return declareError("exchange", name, err)
		}
	}

	for _, f := range t.Families {
		if _, err := ch.QueueDeclare(f.DeadLetterQueue, true, false, false, false, t.DeadLetterQueueArgs()); err != nil {
			return declareError("queue", f.DeadLetterQueue, err)
		}
		if err := ch.QueueBind(f.DeadLetterQueue, f.DeadLetterKey, t.DeadLetterExchange, false, nil); err != nil {
			return declareError("binding", f.DeadLetterQueue, err)
		}
	}

	for _, f := range t.Families {
		if _, err := ch.QueueDeclare(f.Queue, true, false, false, false, t.QueueArgs(f)); err != nil {
			return declareError("queue", f.Queue, err)
		}
		if err := ch.QueueBind(f.Queue, f.RoutingKey, t.Exchange, false, nil); err != nil {
			return declareError("binding", f.Queue, err)
		}
	}
	return nil
}

func declareError(kind, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s %q: %w", ErrTopologyConflict, kind, name, err)
	}
	return fmt.Errorf("declare %s %q: %w", kind, name, err)
}
