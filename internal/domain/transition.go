package domain

import (
	"strings"
	"time"
)

// TransitionOptions содержит данные, которые должны быть записаны атомарно с переходом.
type TransitionOptions struct {
	// TrackingNumber обязателен для перехода в SHIPPED.
	TrackingNumber string
}

// TransitionResult — новое состояние заказа и единственное событие перехода.
type TransitionResult struct {
	Order Order
	Event OrderEvent
	// Stock — какой складской эффект должен применить репозиторий.
	Stock StockEffect
}

// Transition переводит заказ в target по таблице смежности.
// Исходный заказ не изменяется; при ошибке возвращается *InvalidTransitionError
// или ошибка валидации. Версию увеличивает репозиторий при сохранении.
func Transition(order Order, target OrderStatus, opts TransitionOptions, now time.Time) (TransitionResult, error) {
	if !target.Valid() {
		return TransitionResult{}, &InvalidTransitionError{From: order.Status, To: target}
	}
	if !order.Status.CanTransitionTo(target) {
		return TransitionResult{}, &InvalidTransitionError{From: order.Status, To: target}
	}

	tracking := strings.TrimSpace(opts.TrackingNumber)
	if target == OrderStatusShipped && tracking == "" {
		return TransitionResult{}, ErrTrackingNumberRequired
	}

	next := order.Clone()
	next.Status = target
	next.UpdatedAt = now.UTC()
	if target == OrderStatusShipped {
		next.TrackingNumber = tracking
	}

	effect := StockNone
	switch target.StockEffect() {
	case StockReserve:
		if !next.ReservedStock {
			next.ReservedStock = true
			effect = StockReserve
		}
	case StockRelease:
		if next.ReservedStock {
			next.ReservedStock = false
			effect = StockRelease
		}
	}

	return TransitionResult{
		Order: next,
		Event: OrderEvent{
			OrderID:   next.ID,
			Type:      EventTypeStatusChanged,
			Status:    target,
			Timestamp: next.UpdatedAt,
		},
		Stock: effect,
	}, nil
}
