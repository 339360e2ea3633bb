package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка отсутствующего SKU позиции.
	ErrItemSKURequired = errors.New("item sku is required")
	// Ошибка отсутствующего идентификатора заказа в событии.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrUnknownStatus — статус не входит в перечисление.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrInvalidTransition — перехода нет в таблице смежности.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrTrackingNumberRequired — SHIPPED без трек-номера.
	ErrTrackingNumberRequired = errors.New("tracking number is required for SHIPPED")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists — повторное создание заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInsufficientStock — на складе не хватает свободного остатка для резерва.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStockInvalid — некорректный остаток при настройке склада.
	ErrStockInvalid = errors.New("stock on_hand must be non-negative")
	// ErrMalformedEvent — тело сообщения не является корректным событием заказа.
	ErrMalformedEvent = errors.New("malformed order event")
	// ErrPublish — событие не подтверждено брокером.
	ErrPublish = errors.New("publish order event")
	// ErrDispatchTemporary — временная недоступность канала уведомлений, можно повторить.
	ErrDispatchTemporary = errors.New("notification dispatch temporary failure")
	// ErrDispatchRejected — канал уведомлений окончательно отклонил запрос.
	ErrDispatchRejected = errors.New("notification dispatch rejected")
	// ErrDedupKeyRequired — пустой ключ дедупликации.
	ErrDedupKeyRequired = errors.New("dedup key is required")
	// ErrDedupInProgress — то же событие прямо сейчас обрабатывает другой воркер.
	ErrDedupInProgress = errors.New("dedup key is being processed")
)

// InvalidTransitionError несёт текущий и запрошенный статус.
type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

// Is позволяет сравнивать через errors.Is(err, ErrInvalidTransition).
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PublishError оборачивает причину неудачной публикации события.
type PublishError struct {
	OrderID    string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish order event %s via %q: %v", e.OrderID, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsValidation сообщает, что ошибка вызвана входными данными и повтор не поможет.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTrackingNumberRequired) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrUnknownStatus) ||
		errors.Is(err, ErrCustomerRequired) ||
		errors.Is(err, ErrItemsRequired) ||
		errors.Is(err, ErrItemQtyInvalid) ||
		errors.Is(err, ErrItemSKURequired)
}
