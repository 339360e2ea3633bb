package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// SKU — внешний идентификатор товара.
	SKU string
	// Qty — количество единиц товара.
	Qty int32
}

// Order агрегирует состояние заказа, его позиции и флаг складского резерва.
type Order struct {
	ID         string
	CustomerID string
	Status     OrderStatus
	Items      []OrderItem
	// ReservedStock выставляется при входе в CONFIRMED и снимается ровно один раз при отмене.
	ReservedStock  bool
	TrackingNumber string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder создаёт заказ в статусе PENDING и событие его создания.
func NewOrder(customerID string, items []OrderItem, now time.Time) (Order, OrderEvent, error) {
	order := Order{
		ID:         uuid.NewString(),
		CustomerID: strings.TrimSpace(customerID),
		Status:     OrderStatusPending,
		Items:      append([]OrderItem(nil), items...),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Order{}, OrderEvent{}, errs[0]
	}
	event := OrderEvent{
		OrderID:   order.ID,
		Type:      EventTypeCreated,
		Status:    order.Status,
		Timestamp: order.CreatedAt,
	}
	return order, event, nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	qtyInvalid := false
	for _, item := range o.Items {
		if strings.TrimSpace(item.SKU) == "" {
			errs = append(errs, ErrItemSKURequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
			qtyInvalid = true
		}
	}
	if !qtyInvalid {
		if _, err := o.StockDemand(); err != nil {
			errs = append(errs, err)
		}
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}
	if o.Status == OrderStatusShipped && strings.TrimSpace(o.TrackingNumber) == "" {
		errs = append(errs, ErrTrackingNumberRequired)
	}

	return errs
}

// StockDemand сворачивает позиции по SKU. Результат отсортирован по SKU,
// чтобы блокировки складских строк всегда брались в одном порядке.
// Сумма по SKU должна быть положительной и помещаться в int32, иначе ErrItemQtyInvalid.
func (o *Order) StockDemand() ([]OrderItem, error) {
	totals := make(map[string]int64, len(o.Items))
	for _, item := range o.Items {
		if item.Qty <= 0 {
			return nil, fmt.Errorf("%w: sku %s", ErrItemQtyInvalid, item.SKU)
		}
		totals[item.SKU] += int64(item.Qty)
		if totals[item.SKU] > math.MaxInt32 {
			return nil, fmt.Errorf("%w: total for sku %s exceeds %d", ErrItemQtyInvalid, item.SKU, int64(math.MaxInt32))
		}
	}

	demand := make([]OrderItem, 0, len(totals))
	for sku, qty := range totals {
		demand = append(demand, OrderItem{SKU: sku, Qty: int32(qty)})
	}
	sort.Slice(demand, func(i, j int) bool { return demand[i].SKU < demand[j].SKU })
	return demand, nil
}

// Clone возвращает копию заказа без общих срезов.
func (o Order) Clone() Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	return o
}

// StockLevel — остаток SKU на складе.
type StockLevel struct {
	SKU      string
	OnHand   int32
	Reserved int32
}

// Available возвращает количество, которое ещё можно зарезервировать.
func (s StockLevel) Available() int32 {
	return s.OnHand - s.Reserved
}
