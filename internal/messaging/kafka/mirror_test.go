package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

type fakePrimary struct {
	err    error
	events []domain.OrderEvent
}

func (f *fakePrimary) Publish(_ context.Context, event domain.OrderEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

// stalledKafka блокирует отправку, пока тест не откроет release.
type stalledKafka struct {
	release chan struct{}

	mu   sync.Mutex
	sent []string
}

func (s *stalledKafka) PublishEvent(_ string, key string, _ interface{}) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, key)
	return nil
}

func (s *stalledKafka) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func testEvent() domain.OrderEvent {
	return domain.OrderEvent{OrderID: "o1", Type: domain.EventTypeCreated, Status: domain.OrderStatusPending}
}

// runMirror запускает отправку и возвращает функцию, которая останавливает
// её и дожидается досылки очереди.
func runMirror(pub *MirrorPublisher) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func mirrorFailures(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "orderpipe_lifecycle_mirror_failures_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestMirrorPublisher_MirrorsConfirmedEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()
	primary := &fakePrimary{}

	pub := NewMirrorPublisher(primary, NewProducerFromSync(mockProducer), "order-service", nil)
	stop := runMirror(pub)
	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stop()

	if len(primary.events) != 1 {
		t.Fatalf("primary must receive the event, got %d", len(primary.events))
	}
	if pub.Pending() != 0 {
		t.Fatalf("queue must be drained on stop, pending=%d", pub.Pending())
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMirrorPublisher_KafkaFailureIsBestEffort(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetricsWithRegisterer(reg)

	pub := NewMirrorPublisher(&fakePrimary{}, NewProducerFromSync(mockProducer), "order-service", m)
	stop := runMirror(pub)
	if err := pub.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("kafka failure must not fail publish: %v", err)
	}
	stop()

	if got := mirrorFailures(t, reg); got != 1 {
		t.Fatalf("mirror failures = %v, want 1", got)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMirrorPublisher_PrimaryFailureSkipsMirror(t *testing.T) {
	// Ожиданий нет: любая отправка в Kafka провалит тест.
	mockProducer := mocks.NewSyncProducer(t, nil)
	primaryErr := &domain.PublishError{OrderID: "o1", Err: errors.New("nack")}

	pub := NewMirrorPublisher(&fakePrimary{err: primaryErr}, NewProducerFromSync(mockProducer), "order-service", nil)
	stop := runMirror(pub)
	err := pub.Publish(context.Background(), testEvent())
	stop()
	if !errors.Is(err, domain.ErrPublish) {
		t.Fatalf("expected primary publish error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMirrorPublisher_StalledKafkaDoesNotBlockPublish(t *testing.T) {
	broker := &stalledKafka{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetricsWithRegisterer(reg)

	pub := NewMirrorPublisher(&fakePrimary{}, broker, "order-service", m, WithMirrorQueueSize(2))
	stop := runMirror(pub)

	events := []string{"o1", "o2", "o3", "o4", "o5"}
	start := time.Now()
	for _, id := range events {
		event := testEvent()
		event.OrderID = id
		if err := pub.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish waited for kafka: %v", elapsed)
	}

	close(broker.release)
	stop()

	// Один в отправке, два в очереди, остальные отброшены.
	sent := len(broker.keys())
	dropped := mirrorFailures(t, reg)
	if sent < 2 || sent > 3 {
		t.Fatalf("sent = %d, want 2..3", sent)
	}
	if int(dropped)+sent != len(events) {
		t.Fatalf("sent %d + dropped %v must account for %d events", sent, dropped, len(events))
	}
}
