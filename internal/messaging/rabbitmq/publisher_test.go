package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq/rabbitmqtest"
)

func declaredBroker(t *testing.T) *rabbitmqtest.Broker {
	t.Helper()
	broker := rabbitmqtest.NewBroker()
	require.NoError(t, rabbitmq.DeclareTopology(broker.Channel(), rabbitmq.DefaultTopology(3)))
	return broker
}

func TestPublisher_PublishRoutesByEventType(t *testing.T) {
	broker := declaredBroker(t)
	pub := rabbitmq.NewPublisher(broker.Channel(), rabbitmq.DefaultTopology(3), rabbitmq.WithAppID("order-service-test"))

	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	created := domain.OrderEvent{OrderID: "o1", Type: domain.EventTypeCreated, Status: domain.OrderStatusPending, Timestamp: ts}
	changed := domain.OrderEvent{OrderID: "o1", Type: domain.EventTypeStatusChanged, Status: domain.OrderStatusConfirmed, Timestamp: ts}

	require.NoError(t, pub.Publish(context.Background(), created))
	require.NoError(t, pub.Publish(context.Background(), changed))

	createdMsgs := broker.Messages(rabbitmq.QueueOrderCreated)
	require.Len(t, createdMsgs, 1)
	msg := createdMsgs[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "application/json", msg.ContentType)
	require.Equal(t, "created", msg.Type)
	require.Equal(t, "order-service-test", msg.AppId)
	require.NotEmpty(t, msg.MessageId)
	require.True(t, msg.Timestamp.Equal(ts))

	decoded, err := domain.DecodeOrderEvent(msg.Body)
	require.NoError(t, err)
	require.Equal(t, created, decoded)

	changedMsgs := broker.Messages(rabbitmq.QueueStatusChanged)
	require.Len(t, changedMsgs, 1)
	require.NotEqual(t, msg.MessageId, changedMsgs[0].MessageId)
}

func TestPublisher_UnroutableIsReported(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	ch := broker.Channel()
	// Exchange есть, привязок нет.
	require.NoError(t, ch.ExchangeDeclare(rabbitmq.ExchangeOrderEvents, amqp.ExchangeDirect, true, false, false, false, nil))

	pub := rabbitmq.NewPublisher(ch, rabbitmq.DefaultTopology(3))
	err := pub.Publish(context.Background(), domain.OrderEvent{
		OrderID: "o1", Type: domain.EventTypeCreated, Status: domain.OrderStatusPending, Timestamp: time.Now(),
	})

	require.ErrorIs(t, err, domain.ErrPublish)
	require.ErrorIs(t, err, rabbitmq.ErrUnroutable)

	var pubErr *domain.PublishError
	require.True(t, errors.As(err, &pubErr))
	require.Equal(t, "o1", pubErr.OrderID)
	require.Equal(t, rabbitmq.RoutingKeyOrderCreated, pubErr.RoutingKey)
}

type stubConfirm struct {
	err   error
	block bool
	calls int
}

func (s *stubConfirm) PublishConfirmed(ctx context.Context, _, _ string, _ amqp.Publishing) error {
	s.calls++
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func TestPublisher_NackIsReported(t *testing.T) {
	stub := &stubConfirm{err: rabbitmq.ErrPublishNacked}
	pub := rabbitmq.NewPublisher(stub, rabbitmq.DefaultTopology(3))

	err := pub.Publish(context.Background(), domain.OrderEvent{
		OrderID: "o2", Type: domain.EventTypeStatusChanged, Status: domain.OrderStatusCancelled,
	})
	require.ErrorIs(t, err, domain.ErrPublish)
	require.ErrorIs(t, err, rabbitmq.ErrPublishNacked)
}

func TestPublisher_ConfirmTimeoutIsBounded(t *testing.T) {
	stub := &stubConfirm{block: true}
	pub := rabbitmq.NewPublisher(stub, rabbitmq.DefaultTopology(3), rabbitmq.WithConfirmTimeout(20*time.Millisecond))

	started := time.Now()
	err := pub.Publish(context.Background(), domain.OrderEvent{
		OrderID: "o3", Type: domain.EventTypeCreated, Status: domain.OrderStatusPending,
	})
	require.ErrorIs(t, err, domain.ErrPublish)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), time.Second)
}

func TestPublisher_InvalidEventIsNotSent(t *testing.T) {
	stub := &stubConfirm{}
	pub := rabbitmq.NewPublisher(stub, rabbitmq.DefaultTopology(3))

	err := pub.Publish(context.Background(), domain.OrderEvent{
		OrderID: "o4", Type: "deleted", Status: domain.OrderStatusPending,
	})
	require.ErrorIs(t, err, domain.ErrPublish)
	require.Zero(t, stub.calls)

	err = pub.Publish(context.Background(), domain.OrderEvent{
		OrderID: "o4", Type: domain.EventTypeCreated, Status: "LOST",
	})
	require.ErrorIs(t, err, domain.ErrUnknownStatus)
	require.Zero(t, stub.calls)
}

func TestPublisher_TransportFailure(t *testing.T) {
	broker := declaredBroker(t)
	broker.FailPublishes(1, amqp.ErrClosed)
	pub := rabbitmq.NewPublisher(broker.Channel(), rabbitmq.DefaultTopology(3))

	event := domain.OrderEvent{OrderID: "o5", Type: domain.EventTypeCreated, Status: domain.OrderStatusPending}
	err := pub.Publish(context.Background(), event)
	require.ErrorIs(t, err, domain.ErrPublish)
	require.ErrorIs(t, err, amqp.ErrClosed)
	require.Zero(t, broker.QueueDepth(rabbitmq.QueueOrderCreated))

	require.NoError(t, pub.Publish(context.Background(), event))
	require.Equal(t, 1, broker.QueueDepth(rabbitmq.QueueOrderCreated))
}
