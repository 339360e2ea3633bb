package domain

import (
	"fmt"
	"strings"
)

// OrderStatus описывает жизненный цикл заказа. Значения совпадают с именами на проводе.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, наличие товара ещё не подтверждено.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusConfirmed — наличие подтверждено, сток зарезервирован.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusPaymentPending — ждём ответа платёжного провайдера.
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	// OrderStatusPaymentFailed — платёж отклонён, резерв снимается.
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	// OrderStatusProcessing — заказ собирается.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped — передан перевозчику, трек-номер обязателен.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered — получен клиентом.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusRefundRequested — клиент запросил возврат.
	OrderStatusRefundRequested OrderStatus = "REFUND_REQUESTED"
	// OrderStatusRefunded — возврат завершён.
	OrderStatusRefunded OrderStatus = "REFUNDED"
	// OrderStatusCancelled — заказ отменён, резерв снимается.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// StockEffect — побочный эффект входа в статус для складского резерва.
type StockEffect int

const (
	StockNone StockEffect = iota
	StockReserve
	StockRelease
)

func (e StockEffect) String() string {
	switch e {
	case StockReserve:
		return "reserve"
	case StockRelease:
		return "release"
	default:
		return "none"
	}
}

type statusInfo struct {
	description string
	effect      StockEffect
	// terminal — жизненный цикл заказа завершён; для DELIVERED переход
	// в REFUND_REQUESTED остаётся допустимым.
	terminal bool
	next     []OrderStatus
}

// statuses — единственный источник правды о допустимых переходах.
var statuses = map[OrderStatus]statusInfo{
	OrderStatusPending: {
		description: "Заказ создан и ожидает подтверждения",
		next:        []OrderStatus{OrderStatusConfirmed, OrderStatusCancelled},
	},
	OrderStatusConfirmed: {
		description: "Заказ подтверждён, товар зарезервирован",
		effect:      StockReserve,
		next:        []OrderStatus{OrderStatusPaymentPending, OrderStatusCancelled},
	},
	OrderStatusPaymentPending: {
		description: "Ожидается оплата",
		next:        []OrderStatus{OrderStatusProcessing, OrderStatusPaymentFailed, OrderStatusCancelled},
	},
	OrderStatusPaymentFailed: {
		description: "Оплата не прошла",
		effect:      StockRelease,
		next:        []OrderStatus{OrderStatusCancelled},
	},
	OrderStatusProcessing: {
		description: "Заказ собирается",
		next:        []OrderStatus{OrderStatusShipped, OrderStatusCancelled},
	},
	OrderStatusShipped: {
		description: "Заказ передан в службу доставки",
		next:        []OrderStatus{OrderStatusDelivered},
	},
	OrderStatusDelivered: {
		description: "Заказ доставлен",
		terminal:    true,
		next:        []OrderStatus{OrderStatusRefundRequested},
	},
	OrderStatusRefundRequested: {
		description: "Запрошен возврат",
		next:        []OrderStatus{OrderStatusRefunded},
	},
	OrderStatusRefunded: {
		description: "Возврат выполнен",
		terminal:    true,
	},
	OrderStatusCancelled: {
		description: "Заказ отменён",
		effect:      StockRelease,
		terminal:    true,
	},
}

// statusOrder фиксирует порядок перечисления для API и тестов.
var statusOrder = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaymentPending,
	OrderStatusPaymentFailed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusRefundRequested,
	OrderStatusRefunded,
	OrderStatusCancelled,
}

// AllStatuses возвращает все статусы в порядке жизненного цикла.
func AllStatuses() []OrderStatus {
	return append([]OrderStatus(nil), statusOrder...)
}

// ParseOrderStatus разбирает имя статуса без учёта регистра и пробелов по краям.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

// Valid проверяет, что статус входит в перечисление.
func (s OrderStatus) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// Description возвращает человекочитаемое описание статуса.
func (s OrderStatus) Description() string {
	return statuses[s].description
}

// StockEffect возвращает складской эффект входа в статус.
func (s OrderStatus) StockEffect() StockEffect {
	return statuses[s].effect
}

// IsTerminal сообщает, что заказ в этом статусе завершён: DELIVERED, REFUNDED, CANCELLED.
func (s OrderStatus) IsTerminal() bool {
	return statuses[s].terminal
}

// Next возвращает допустимые целевые статусы.
func (s OrderStatus) Next() []OrderStatus {
	return append([]OrderStatus(nil), statuses[s].next...)
}

// CanTransitionTo проверяет наличие ребра s → target.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range statuses[s].next {
		if next == target {
			return true
		}
	}
	return false
}
