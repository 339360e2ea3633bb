package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultListLimit   = 100
)

// Service проводит заказ по жизненному циклу: загрузка, переход, сохранение
// вместе со складским эффектом и публикация события после коммита.
type Service struct {
	orders      domain.OrderRepository
	stock       domain.StockRepository
	publisher   domain.EventPublisher
	metrics     *metrics.PipelineMetrics
	logger      *log.Entry
	now         func() time.Time
	maxAttempts int
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает метрики переходов.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени (нужно тестам).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxAttempts ограничивает число попыток при конфликте версий.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Result — сохранённый заказ и событие, которое о нём опубликовано.
// Published=false означает, что заказ закоммичен, но брокер событие не подтвердил.
type Result struct {
	Order     domain.Order
	Event     domain.OrderEvent
	Published bool
}

// NewService собирает сервис жизненного цикла.
func NewService(orders domain.OrderRepository, stock domain.StockRepository, publisher domain.EventPublisher, opts ...Option) *Service {
	s := &Service{
		orders:      orders,
		stock:       stock,
		publisher:   publisher,
		logger:      log.WithField("component", "order-lifecycle"),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create создаёт заказ в статусе PENDING и публикует событие created.
func (s *Service) Create(ctx context.Context, customerID string, items []domain.OrderItem) (Result, error) {
	order, event, err := domain.NewOrder(customerID, normalizeItems(items), s.now())
	if err != nil {
		return Result{}, err
	}

	saved, err := s.orders.Create(ctx, order)
	if err != nil {
		return Result{}, fmt.Errorf("create order: %w", err)
	}
	s.metrics.RecordOrderCreated()
	s.logger.WithFields(log.Fields{
		"order_id":    saved.ID,
		"customer_id": saved.CustomerID,
	}).Info("order created")

	return s.publish(ctx, saved, event)
}

// Get возвращает заказ по идентификатору.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.orders.Load(ctx, orderID)
}

// ListByCustomer возвращает последние заказы клиента.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, domain.ErrCustomerRequired
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.orders.ListByCustomer(ctx, customerID, limit)
}

// SetStock выставляет остаток SKU на складе.
func (s *Service) SetStock(ctx context.Context, sku string, onHand int32) (domain.StockLevel, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.StockLevel{}, domain.ErrItemSKURequired
	}
	if err := s.stock.SetStock(ctx, sku, onHand); err != nil {
		return domain.StockLevel{}, err
	}
	return s.stock.GetStock(ctx, sku)
}

// GetStock возвращает остаток SKU; неизвестный SKU даёт нулевой остаток.
func (s *Service) GetStock(ctx context.Context, sku string) (domain.StockLevel, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.StockLevel{}, domain.ErrItemSKURequired
	}
	return s.stock.GetStock(ctx, sku)
}

// Transition переводит заказ в target. Конфликт версий повторяется с перечитыванием
// заказа; ошибки перехода и нехватка остатка возвращаются сразу.
// Если сохранение прошло, а публикация нет, возвращается Result с Published=false
// вместе с *domain.PublishError.
func (s *Service) Transition(ctx context.Context, orderID string, target domain.OrderStatus, opts domain.TransitionOptions) (Result, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Result{}, domain.ErrOrderIDRequired
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"target":   string(target),
	})

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		current, err := s.orders.Load(ctx, orderID)
		if err != nil {
			s.metrics.RecordTransition("", string(target), resultLabel(err))
			return Result{}, err
		}

		next, err := domain.Transition(current, target, opts, s.now())
		if err != nil {
			s.metrics.RecordTransition(string(current.Status), string(target), resultLabel(err))
			logger.WithError(err).WithField("from", string(current.Status)).Info("transition rejected")
			return Result{}, err
		}

		saved, err := s.orders.Save(ctx, next.Order)
		if err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				logger.WithField("attempt", attempt).Debug("version conflict, reloading order")
				continue
			}
			s.metrics.RecordTransition(string(current.Status), string(target), resultLabel(err))
			return Result{}, fmt.Errorf("save order %s: %w", orderID, err)
		}

		s.metrics.RecordTransition(string(current.Status), string(target), "ok")
		logger.WithFields(log.Fields{
			"from":         string(current.Status),
			"stock_effect": next.Stock.String(),
			"version":      saved.Version,
		}).Info("order status changed")

		return s.publish(ctx, saved, next.Event)
	}

	s.metrics.RecordTransition("", string(target), resultLabel(lastErr))
	return Result{}, fmt.Errorf("transition order %s after %d attempts: %w", orderID, s.maxAttempts, lastErr)
}

func (s *Service) publish(ctx context.Context, order domain.Order, event domain.OrderEvent) (Result, error) {
	result := Result{Order: order, Event: event}
	if s.publisher == nil {
		return result, nil
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":   order.ID,
			"event_type": string(event.Type),
			"status":     string(event.Status),
		}).Error("order event was not confirmed by broker")
		return result, err
	}

	result.Published = true
	return result, nil
}

func normalizeItems(items []domain.OrderItem) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		item.SKU = strings.TrimSpace(item.SKU)
		out = append(out, item)
	}
	return out
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, domain.ErrTrackingNumberRequired):
		return "tracking_required"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case domain.IsVersionConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
