package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	returnBuffer     = 128
	maxPendingReturn = 1024
)

var (
	// ErrPublishNacked — брокер ответил basic.nack.
	ErrPublishNacked = errors.New("broker nacked publish")
	// ErrUnroutable — mandatory-сообщение не попало ни в одну очередь.
	ErrUnroutable = errors.New("message is unroutable")
	// ErrPublishTimeout — подтверждение не пришло вовремя.
	ErrPublishTimeout = errors.New("publish confirm timeout")
	// ErrChannelClosed — confirm-канал закрыт брокером или приложением.
	ErrChannelClosed = errors.New("rabbitmq confirm channel is closed")
)

// ConfirmPublisher публикует сообщение и ждёт подтверждения брокера.
type ConfirmPublisher interface {
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// confirmTransport — подмножество *amqp.Channel, нужное confirm-каналу.
type confirmTransport interface {
	Confirm(noWait bool) error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// ConfirmChannel — AMQP-канал в режиме confirm с учётом возвратов mandatory-сообщений.
// Возвраты сопоставляются с публикацией по MessageId. Буфер NotifyReturn
// непрерывно вычитывает отдельная горутина независимо от ожидающих публикаций.
type ConfirmChannel struct {
	ch confirmTransport

	syncReq chan chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	returned map[string]amqp.Return
	closeErr *amqp.Error
}

// NewConfirmChannel переводит канал в режим confirm.
func NewConfirmChannel(ch *amqp.Channel) (*ConfirmChannel, error) {
	return newConfirmChannel(ch)
}

func newConfirmChannel(ch confirmTransport) (*ConfirmChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c := &ConfirmChannel{
		ch:       ch,
		syncReq:  make(chan chan struct{}),
		done:     make(chan struct{}),
		returned: make(map[string]amqp.Return),
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, returnBuffer))
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	go c.watchClose(closes)
	go c.collectReturns(returns)
	return c, nil
}

// PublishConfirmed публикует с mandatory=true и ждёт ack/nack.
// Брокер отправляет basic.return раньше basic.ack, поэтому после ack
// достаточно дождаться, пока сборщик разберёт уже полученные возвраты.
func (c *ConfirmChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := c.Err(); err != nil {
		return err
	}

	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return fmt.Errorf("basic.publish: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrPublishTimeout, ctxErr)
		}
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}

	if ret, ok := c.takeReturn(ctx, msg.MessageId); ok {
		return fmt.Errorf("%w: %d %s", ErrUnroutable, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

// Done закрывается, когда канал закрыт.
func (c *ConfirmChannel) Done() <-chan struct{} {
	return c.done
}

// Err возвращает nil для открытого канала и ErrChannelClosed с причиной для закрытого.
func (c *ConfirmChannel) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %d %s", ErrChannelClosed, c.closeErr.Code, c.closeErr.Reason)
	}
	return ErrChannelClosed
}

// Ping сообщает, жив ли канал, для readiness-проверки.
func (c *ConfirmChannel) Ping(context.Context) error {
	return c.Err()
}

// IsClosed сообщает, закрыт ли канал.
func (c *ConfirmChannel) IsClosed() bool {
	return c.ch.IsClosed() || c.Err() != nil
}

// Close закрывает канал.
func (c *ConfirmChannel) Close() error {
	return c.ch.Close()
}

// watchClose фиксирует причину закрытия канала. Штатное закрытие даёт nil-ошибку.
func (c *ConfirmChannel) watchClose(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	c.mu.Lock()
	if ok {
		c.closeErr = amqpErr
	}
	c.mu.Unlock()
	close(c.done)
}

// collectReturns — единственный читатель NotifyReturn. Запрос синхронизации
// обслуживается только после разбора всего, что уже лежит в буфере.
func (c *ConfirmChannel) collectReturns(returns <-chan amqp.Return) {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			c.storeReturn(ret)
		case reply := <-c.syncReq:
			c.drainReturns(returns)
			close(reply)
		case <-c.done:
			return
		}
	}
}

func (c *ConfirmChannel) drainReturns(returns <-chan amqp.Return) {
	if returns == nil {
		return
	}
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return
			}
			c.storeReturn(ret)
		default:
			return
		}
	}
}

func (c *ConfirmChannel) storeReturn(ret amqp.Return) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.returned) >= maxPendingReturn {
		clear(c.returned)
	}
	c.returned[ret.MessageId] = ret
}

func (c *ConfirmChannel) takeReturn(ctx context.Context, messageID string) (amqp.Return, bool) {
	reply := make(chan struct{})
	select {
	case c.syncReq <- reply:
		select {
		case <-reply:
		case <-ctx.Done():
		case <-c.done:
		}
	case <-ctx.Done():
	case <-c.done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ret, ok := c.returned[messageID]
	if ok {
		delete(c.returned, messageID)
	}
	return ret, ok
}
