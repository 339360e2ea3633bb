// Package rabbitmqtest — in-memory брокер для тестов: direct-маршрутизация,
// prefetch, ack/nack, лимит доставок quorum-очереди и dead-letter с x-death.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
)

const consumerBuffer = 1024

// ErrPublishFailed — ошибка по умолчанию для FailPublishes.
var ErrPublishFailed = errors.New("rabbitmqtest: publish failed")

type exchange struct {
	kind    string
	durable bool
}

type binding struct {
	queue string
	key   string
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
	returns     int64
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	messages  []*message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag   string
	queue string
	ch    *Channel
	out   chan amqp.Delivery
}

type inflight struct {
	queue string
	msg   *message
	ch    *Channel
}

// Broker хранит состояние виртуального хоста.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  map[string][]binding
	unacked   map[uint64]*inflight
	nextTag   uint64
	published int

	publishHook func(exchange, key string, msg amqp.Publishing) error
	now         func() time.Time
}

// NewBroker создаёт пустой брокер.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		unacked:   make(map[uint64]*inflight),
		now:       time.Now,
	}
}

// Channel открывает канал поверх брокера.
func (b *Broker) Channel() *Channel {
	return &Channel{b: b, consumers: make(map[string]*consumer)}
}

// SetPublishHook вызывается перед каждой публикацией; ошибка хука возвращается публикатору.
func (b *Broker) SetPublishHook(hook func(exchange, key string, msg amqp.Publishing) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// FailPublishes заставляет следующие n публикаций вернуть err (ErrPublishFailed при nil).
func (b *Broker) FailPublishes(n int, err error) {
	if err == nil {
		err = ErrPublishFailed
	}
	remaining := n
	b.SetPublishHook(func(string, string, amqp.Publishing) error {
		if remaining <= 0 {
			return nil
		}
		remaining--
		return err
	})
}

// Published возвращает число принятых брокером публикаций.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// QueueDepth возвращает число готовых к доставке сообщений.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// Unacked возвращает число выданных, но не подтверждённых доставок очереди.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, in := range b.unacked {
		if in.queue == name {
			n++
		}
	}
	return n
}

// Messages возвращает копии готовых сообщений очереди в порядке FIFO.
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.messages))
	for _, m := range q.messages {
		pub := m.pub
		pub.Headers = copyTable(m.pub.Headers)
		out = append(out, pub)
	}
	return out
}

// QueueArgs возвращает аргументы объявленной очереди.
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return copyTable(q.args), true
}

// HasExchange сообщает, объявлен ли exchange.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasBinding сообщает, привязана ли очередь к exchange по ключу.
func (b *Broker) HasBinding(exchangeName, key, queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bnd := range b.bindings[exchangeName] {
		if bnd.key == key && bnd.queue == queueName {
			return true
		}
	}
	return false
}

// DropConsumers закрывает каналы доставок очереди без basic.cancel,
// как при падении канала на стороне брокера.
func (b *Broker) DropConsumers(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		delete(c.ch.consumers, c.tag)
		close(c.out)
	}
	q.consumers = nil
}

// Inject кладёт сообщение прямо в очередь, минуя exchange.
func (b *Broker) Inject(queueName, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return notFound("queue", queueName)
	}
	pub.Headers = copyTable(pub.Headers)
	q.messages = append(q.messages, &message{exchange: "", routingKey: routingKey, pub: pub})
	b.pumpLocked()
	return nil
}

func (b *Broker) routeLocked(exchangeName, key string) []string {
	if exchangeName == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}
	var out []string
	for _, bnd := range b.bindings[exchangeName] {
		if bnd.key == key {
			out = append(out, bnd.queue)
		}
	}
	return out
}

func (b *Broker) enqueueLocked(exchangeName, key string, pub amqp.Publishing) int {
	queues := b.routeLocked(exchangeName, key)
	for _, name := range queues {
		copied := pub
		copied.Headers = copyTable(pub.Headers)
		b.queues[name].messages = append(b.queues[name].messages, &message{
			exchange:   exchangeName,
			routingKey: key,
			pub:        copied,
		})
	}
	return len(queues)
}

// pumpLocked раздаёт сообщения потребителям, пока есть место в prefetch.
func (b *Broker) pumpLocked() {
	for _, q := range b.queues {
		for len(q.messages) > 0 {
			c := q.pickConsumer()
			if c == nil {
				break
			}
			m := q.messages[0]
			q.messages = q.messages[1:]

			b.nextTag++
			tag := b.nextTag
			b.unacked[tag] = &inflight{queue: q.name, msg: m, ch: c.ch}
			c.ch.unacked++

			c.out <- amqp.Delivery{
				Acknowledger:    c.ch,
				Headers:         copyTable(m.pub.Headers),
				ContentType:     m.pub.ContentType,
				ContentEncoding: m.pub.ContentEncoding,
				DeliveryMode:    m.pub.DeliveryMode,
				Priority:        m.pub.Priority,
				CorrelationId:   m.pub.CorrelationId,
				ReplyTo:         m.pub.ReplyTo,
				Expiration:      m.pub.Expiration,
				MessageId:       m.pub.MessageId,
				Timestamp:       m.pub.Timestamp,
				Type:            m.pub.Type,
				UserId:          m.pub.UserId,
				AppId:           m.pub.AppId,
				ConsumerTag:     c.tag,
				DeliveryTag:     tag,
				Redelivered:     m.redelivered,
				Exchange:        m.exchange,
				RoutingKey:      m.routingKey,
				Body:            append([]byte(nil), m.pub.Body...),
			}
		}
	}
}

func (q *queue) pickConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.ch.prefetch > 0 && c.ch.unacked >= c.ch.prefetch {
			continue
		}
		if len(c.out) >= cap(c.out) {
			continue
		}
		q.next = (q.next + i + 1) % len(q.consumers)
		return c
	}
	return nil
}

func (q *queue) deliveryLimit() int64 {
	switch v := q.args[rabbitmq.ArgDeliveryLimit].(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// settleLocked применяет ack/nack к выданной доставке.
func (b *Broker) settleLocked(tag uint64, ack, requeue bool) error {
	in, ok := b.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(b.unacked, tag)
	in.ch.unacked--

	if ack {
		b.pumpLocked()
		return nil
	}

	q := b.queues[in.queue]
	m := in.msg
	if requeue {
		m.returns++
		m.redelivered = true
		if m.pub.Headers == nil {
			m.pub.Headers = amqp.Table{}
		}
		m.pub.Headers["x-delivery-count"] = m.returns
		if limit := q.deliveryLimit(); limit > 0 && m.returns > limit {
			b.deadLetterLocked(q, m, "delivery_limit")
		} else {
			q.messages = append([]*message{m}, q.messages...)
		}
	} else {
		b.deadLetterLocked(q, m, "rejected")
	}
	b.pumpLocked()
	return nil
}

// deadLetterLocked переотправляет сообщение в DLX очереди с заголовком x-death.
// Без x-dead-letter-exchange сообщение удаляется.
func (b *Broker) deadLetterLocked(q *queue, m *message, reason string) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if dlKey, ok := q.args[rabbitmq.ArgDeadLetterKey].(string); ok && dlKey != "" {
		key = dlKey
	}

	headers := copyTable(m.pub.Headers)
	if headers == nil {
		headers = amqp.Table{}
	}

	var deaths []interface{}
	if existing, ok := headers["x-death"].([]interface{}); ok {
		deaths = append(deaths, existing...)
	}
	found := false
	for i, raw := range deaths {
		entry, ok := raw.(amqp.Table)
		if !ok || entry["queue"] != q.name || entry["reason"] != reason {
			continue
		}
		updated := copyTable(entry)
		count, _ := updated["count"].(int64)
		updated["count"] = count + 1
		updated["time"] = b.now()
		deaths = append(deaths[:i], deaths[i+1:]...)
		deaths = append([]interface{}{updated}, deaths...)
		found = true
		break
	}
	if !found {
		deaths = append([]interface{}{amqp.Table{
			"count":        int64(1),
			"reason":       reason,
			"queue":        q.name,
			"exchange":     m.exchange,
			"routing-keys": []interface{}{m.routingKey},
			"time":         b.now(),
		}}, deaths...)
	}
	headers["x-death"] = deaths
	if _, ok := headers["x-first-death-reason"]; !ok {
		headers["x-first-death-reason"] = reason
		headers["x-first-death-queue"] = q.name
		headers["x-first-death-exchange"] = m.exchange
	}
	delete(headers, "x-delivery-count")

	pub := m.pub
	pub.Headers = headers
	b.enqueueLocked(dlx, key, pub)
}

// Channel — канал поверх Broker. Реализует rabbitmq.Declarer,
// rabbitmq.ConsumeChannel, rabbitmq.ConfirmPublisher и amqp.Acknowledger.
type Channel struct {
	b         *Broker
	prefetch  int
	unacked   int
	consumers map[string]*consumer
	closed    bool
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	if ex, ok := c.b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return precondition("exchange", name)
		}
		return nil
	}
	c.b.exchanges[name] = exchange{kind: kind, durable: durable}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if q, ok := c.b.queues[name]; ok {
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, precondition("queue", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}
	c.b.queues[name] = &queue{name: name, durable: durable, args: copyTable(args)}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	if _, ok := c.b.queues[name]; !ok {
		return notFound("queue", name)
	}
	if _, ok := c.b.exchanges[exchangeName]; !ok {
		return notFound("exchange", exchangeName)
	}
	for _, bnd := range c.b.bindings[exchangeName] {
		if bnd.queue == name && bnd.key == key {
			return nil
		}
	}
	c.b.bindings[exchangeName] = append(c.b.bindings[exchangeName], binding{queue: name, key: key})
	return nil
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("rabbitmqtest: autoAck is not supported")
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := c.b.queues[queueName]
	if !ok {
		return nil, notFound("queue", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", len(c.consumers)+1)
	}
	if _, dup := c.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag " + tag}
	}

	cons := &consumer{tag: tag, queue: queueName, ch: c, out: make(chan amqp.Delivery, consumerBuffer)}
	c.consumers[tag] = cons
	q.consumers = append(q.consumers, cons)
	c.b.pumpLocked()
	return cons.out, nil
}

// Cancel останавливает подписку и закрывает её канал доставок.
// Уже выданные доставки можно подтверждать и после отмены.
func (c *Channel) Cancel(tag string, _ bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	cons, ok := c.consumers[tag]
	if !ok {
		return nil
	}
	delete(c.consumers, tag)
	if q, ok := c.b.queues[cons.queue]; ok {
		for i, qc := range q.consumers {
			if qc == cons {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		q.next = 0
	}

	// Недоставленные воркеру сообщения возвращаются в очередь, как при basic.cancel.
	var pending []amqp.Delivery
	for {
		select {
		case d := <-cons.out:
			pending = append(pending, d)
			continue
		default:
		}
		break
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if in, ok := c.b.unacked[pending[i].DeliveryTag]; ok {
			delete(c.b.unacked, pending[i].DeliveryTag)
			c.unacked--
			c.b.queues[in.queue].messages = append([]*message{in.msg}, c.b.queues[in.queue].messages...)
		}
	}
	close(cons.out)
	c.b.pumpLocked()
	return nil
}

// Get забирает одно сообщение из очереди (basic.get).
func (c *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}

	q, ok := c.b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, notFound("queue", queueName)
	}
	if len(q.messages) == 0 {
		return amqp.Delivery{}, false, nil
	}
	m := q.messages[0]
	q.messages = q.messages[1:]

	c.b.nextTag++
	tag := c.b.nextTag
	if !autoAck {
		c.b.unacked[tag] = &inflight{queue: q.name, msg: m, ch: c}
		c.unacked++
	}

	return amqp.Delivery{
		Acknowledger: c,
		Headers:      copyTable(m.pub.Headers),
		ContentType:  m.pub.ContentType,
		DeliveryMode: m.pub.DeliveryMode,
		MessageId:    m.pub.MessageId,
		Timestamp:    m.pub.Timestamp,
		Type:         m.pub.Type,
		AppId:        m.pub.AppId,
		DeliveryTag:  tag,
		Redelivered:  m.redelivered,
		Exchange:     m.exchange,
		RoutingKey:   m.routingKey,
		MessageCount: uint32(len(q.messages)),
		Body:         append([]byte(nil), m.pub.Body...),
	}, true, nil
}

// PublishConfirmed публикует с mandatory=true: без маршрута возвращает rabbitmq.ErrUnroutable.
func (c *Channel) PublishConfirmed(ctx context.Context, exchangeName, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", rabbitmq.ErrPublishTimeout, err)
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}

	if hook := c.b.publishHook; hook != nil {
		if err := hook(exchangeName, key, msg); err != nil {
			return err
		}
	}
	if exchangeName != "" {
		if _, ok := c.b.exchanges[exchangeName]; !ok {
			return notFound("exchange", exchangeName)
		}
	}
	if c.b.enqueueLocked(exchangeName, key, msg) == 0 {
		return fmt.Errorf("%w: %d %s", rabbitmq.ErrUnroutable, amqp.NoRoute, "NO_ROUTE")
	}
	c.b.published++
	c.b.pumpLocked()
	return nil
}

func (c *Channel) Ack(tag uint64, _ bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.settleLocked(tag, true, false)
}

func (c *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.b.settleLocked(tag, false, requeue)
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// Close возвращает неподтверждённые доставки в очереди и закрывает подписки.
func (c *Channel) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	for tag, in := range c.b.unacked {
		if in.ch != c {
			continue
		}
		delete(c.b.unacked, tag)
		in.msg.redelivered = true
		q := c.b.queues[in.queue]
		q.messages = append([]*message{in.msg}, q.messages...)
	}
	c.unacked = 0

	for tag, cons := range c.consumers {
		if q, ok := c.b.queues[cons.queue]; ok {
			for i, qc := range q.consumers {
				if qc == cons {
					q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
					break
				}
			}
			q.next = 0
		}
		close(cons.out)
		delete(c.consumers, tag)
	}
	c.b.pumpLocked()
	return nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func precondition(kind, name string) error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for %s '%s'", kind, name),
	}
}

func notFound(kind, name string) error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name),
	}
}

var (
	_ rabbitmq.Declarer         = (*Channel)(nil)
	_ rabbitmq.ConsumeChannel   = (*Channel)(nil)
	_ rabbitmq.ConfirmPublisher = (*Channel)(nil)
	_ amqp.Acknowledger         = (*Channel)(nil)
)
