package domain_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:         "order-1",
		CustomerID: "customer-1",
		Status:     domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{SKU: "sku-1", Qty: 5},
		},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no customer",
			mut:  func(o *domain.Order) { o.CustomerID = "" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "no items",
			mut:  func(o *domain.Order) { o.Items = nil },
			want: domain.ErrItemsRequired,
		},
		{
			name: "zero qty",
			mut:  func(o *domain.Order) { o.Items[0].Qty = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "blank sku",
			mut:  func(o *domain.Order) { o.Items[0].SKU = " " },
			want: domain.ErrItemSKURequired,
		},
		{
			name: "shipped without tracking",
			mut:  func(o *domain.Order) { o.Status = domain.OrderStatusShipped },
			want: domain.ErrTrackingNumberRequired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatalf("expected validation errors")
			}
			if !errors.Is(errs[0], tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, errs[0])
			}
		})
	}
}

func TestNewOrder_EmitsCreatedEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	order, event, err := domain.NewOrder("customer-1", []domain.OrderItem{{SKU: "sku-1", Qty: 1}}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID == "" {
		t.Fatal("expected generated order id")
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.ReservedStock {
		t.Fatal("new order must not hold stock")
	}
	if event.Type != domain.EventTypeCreated || event.Status != domain.OrderStatusPending || event.OrderID != order.ID {
		t.Fatalf("unexpected created event: %+v", event)
	}
	if !event.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %s, got %s", now, event.Timestamp)
	}
}

func TestNewOrder_Invalid(t *testing.T) {
	_, _, err := domain.NewOrder("", nil, time.Now())
	if !errors.Is(err, domain.ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}
}

func TestOrderStockDemand_AggregatesBySKU(t *testing.T) {
	order := makeOrder()
	order.Items = []domain.OrderItem{
		{SKU: "b", Qty: 1},
		{SKU: "a", Qty: 2},
		{SKU: "b", Qty: 3},
	}

	demand, err := order.StockDemand()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(demand) != 2 {
		t.Fatalf("expected 2 skus, got %d", len(demand))
	}
	if demand[0] != (domain.OrderItem{SKU: "a", Qty: 2}) || demand[1] != (domain.OrderItem{SKU: "b", Qty: 4}) {
		t.Fatalf("unexpected demand: %+v", demand)
	}
}

func TestOrderClone_DoesNotShareItems(t *testing.T) {
	order := makeOrder()
	clone := order.Clone()
	clone.Items[0].Qty = 99

	if order.Items[0].Qty == 99 {
		t.Fatal("clone must not share items slice")
	}
}

func TestOrderStockDemand_RejectsInt32Overflow(t *testing.T) {
	order := makeOrder()
	order.Items = []domain.OrderItem{
		{SKU: "sku-1", Qty: math.MaxInt32},
		{SKU: "sku-1", Qty: 2},
	}

	if _, err := order.StockDemand(); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("expected ErrItemQtyInvalid, got %v", err)
	}

	errs := order.ValidateInvariants()
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrItemQtyInvalid) {
		t.Fatalf("expected single ErrItemQtyInvalid, got %v", errs)
	}

	if _, _, err := domain.NewOrder("customer-1", order.Items, time.Now()); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("NewOrder must reject overflowing quantity, got %v", err)
	}
}

func TestOrderStockDemand_MaxInt32TotalIsAllowed(t *testing.T) {
	order := makeOrder()
	order.Items = []domain.OrderItem{
		{SKU: "sku-1", Qty: math.MaxInt32 - 1},
		{SKU: "sku-1", Qty: 1},
	}

	demand, err := order.StockDemand()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(demand) != 1 || demand[0].Qty != math.MaxInt32 {
		t.Fatalf("unexpected demand: %+v", demand)
	}
}
