package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics содержит метрики конвейера событий заказа.
// Все методы безопасно вызывать на nil-указателе.
type PipelineMetrics struct {
	// Жизненный цикл заказа
	transitions *prometheus.CounterVec
	ordersNew   prometheus.Counter

	// Публикация
	published       *prometheus.CounterVec
	publishDuration prometheus.Histogram
	mirrorFailures  prometheus.Counter

	// Потребление
	deliveries     *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
	dedup          *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewPipelineMetrics регистрирует метрики в глобальном реестре.
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPipelineMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewPipelineMetricsWithRegisterer(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderpipe_order_transitions_total",
			Help: "Order status transitions by source, target and result",
		}, []string{"from", "to", "result"}),
		ordersNew: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orderpipe_orders_created_total",
			Help: "Total number of orders created",
		}),
		published: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderpipe_events_published_total",
			Help: "Order events published to the broker by routing key and result",
		}, []string{"routing_key", "result"}),
		publishDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "orderpipe_publish_duration_seconds",
			Help:    "Time from publish to broker confirm",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		mirrorFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "orderpipe_lifecycle_mirror_failures_total",
			Help: "Order events that could not be mirrored to Kafka",
		}),
		deliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderpipe_deliveries_total",
			Help: "Consumed deliveries by queue and settlement outcome",
		}, []string{"queue", "outcome"}),
		handleDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orderpipe_handle_duration_seconds",
			Help:    "Handler duration per delivery",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		dedup: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderpipe_dedup_claims_total",
			Help: "Dedup claims by result",
		}, []string{"result"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderpipe_consumer_in_flight",
			Help: "Deliveries currently held by consumer workers",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *PipelineMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersNew.Inc()
}

// RecordTransition учитывает попытку перехода; result равен "ok" или классу ошибки.
func (m *PipelineMetrics) RecordTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, result).Inc()
}

// RecordPublish учитывает результат публикации и время до подтверждения.
func (m *PipelineMetrics) RecordPublish(routingKey string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(routingKey, result).Inc()
	m.publishDuration.Observe(duration.Seconds())
}

// RecordMirrorFailure увеличивает счётчик неудачных зеркалирований в Kafka.
func (m *PipelineMetrics) RecordMirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

// RecordDelivery учитывает исход обработки доставки.
func (m *PipelineMetrics) RecordDelivery(queue, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
	m.handleDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordDedup учитывает результат захвата ключа дедупликации.
func (m *PipelineMetrics) RecordDedup(result string) {
	if m == nil {
		return
	}
	m.dedup.WithLabelValues(result).Inc()
}

// DeliveryStarted увеличивает число доставок в работе.
func (m *PipelineMetrics) DeliveryStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// DeliveryFinished уменьшает число доставок в работе.
func (m *PipelineMetrics) DeliveryFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
