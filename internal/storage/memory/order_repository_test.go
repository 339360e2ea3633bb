package memory_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/storage/memory"
)

func newOrder(id string, qty int32) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:         id,
		CustomerID: "customer-1",
		Status:     domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{SKU: "sku-1", Qty: qty},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func confirm(t *testing.T, order domain.Order) domain.Order {
	t.Helper()
	res, err := domain.Transition(order, domain.OrderStatusConfirmed, domain.TransitionOptions{}, time.Now())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return res.Order
}

func TestOrderRepository_CreateLoad(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", 1)

	if _, err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := repo.Create(ctx, order); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}

	stored, err := repo.Load(ctx, order.ID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored.ID != order.ID {
		t.Fatalf("expected id %s, got %s", order.ID, stored.ID)
	}

	if _, err := repo.Load(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_ListByCustomer(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	first := newOrder("order-1", 1)
	second := newOrder("order-2", 1)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := newOrder("order-3", 1)
	other.CustomerID = "customer-2"

	for _, o := range []domain.Order{first, second, other} {
		if _, err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.ListByCustomer(ctx, "customer-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "order-2" {
		t.Fatalf("expected newest first, got %+v", orders)
	}

	limited, err := repo.ListByCustomer(ctx, "customer-1", 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 order, got %d", len(limited))
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", 1)
	if _, err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Status = domain.OrderStatusCancelled
	saved, err := repo.Save(ctx, order)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	// Старая версия должна конфликтовать.
	if _, err := repo.Save(ctx, order); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	missing := newOrder("missing", 1)
	if _, err := repo.Save(ctx, missing); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.SetStock(ctx, "sku-1", 5); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	order := newOrder("order-1", 3)
	created, err := repo.Create(ctx, order)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	confirmed, err := repo.Save(ctx, confirm(t, created))
	if err != nil {
		t.Fatalf("confirm save: %v", err)
	}
	level, _ := repo.GetStock(ctx, "sku-1")
	if level.Reserved != 3 || level.Available() != 2 {
		t.Fatalf("unexpected stock after reserve: %+v", level)
	}

	res, err := domain.Transition(confirmed, domain.OrderStatusCancelled, domain.TransitionOptions{}, time.Now())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := repo.Save(ctx, res.Order); err != nil {
		t.Fatalf("cancel save: %v", err)
	}
	level, _ = repo.GetStock(ctx, "sku-1")
	if level.Reserved != 0 {
		t.Fatalf("expected stock released, got %+v", level)
	}
}

func TestOrderRepository_InsufficientStockKeepsOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.SetStock(ctx, "sku-1", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	created, err := repo.Create(ctx, newOrder("order-1", 2))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := repo.Save(ctx, confirm(t, created)); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	stored, _ := repo.Load(ctx, "order-1")
	if stored.Status != domain.OrderStatusPending || stored.Version != 0 {
		t.Fatalf("order must stay untouched, got %+v", stored)
	}
}

func TestOrderRepository_LastUnitRace(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.SetStock(ctx, "sku-1", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	const racers = 16
	orders := make([]domain.Order, racers)
	for i := range orders {
		created, err := repo.Create(ctx, newOrder("order-"+string(rune('a'+i)), 1))
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		orders[i] = confirm(t, created)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, order := range orders {
		wg.Add(1)
		go func(o domain.Order) {
			defer wg.Done()
			if _, err := repo.Save(ctx, o); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(order)
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one reservation, got %d", success)
	}
	level, _ := repo.GetStock(ctx, "sku-1")
	if level.Reserved != 1 {
		t.Fatalf("expected reserved=1, got %+v", level)
	}
}

func TestOrderRepository_SetStockValidation(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()

	if err := repo.SetStock(ctx, "", 1); !errors.Is(err, domain.ErrItemSKURequired) {
		t.Fatalf("expected ErrItemSKURequired, got %v", err)
	}
	if err := repo.SetStock(ctx, "sku-1", -1); !errors.Is(err, domain.ErrStockInvalid) {
		t.Fatalf("expected ErrStockInvalid, got %v", err)
	}

	if err := repo.SetStock(ctx, "sku-1", 2); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	created, _ := repo.Create(ctx, newOrder("order-1", 2))
	if _, err := repo.Save(ctx, confirm(t, created)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Нельзя опустить остаток ниже уже зарезервированного.
	if err := repo.SetStock(ctx, "sku-1", 1); !errors.Is(err, domain.ErrStockInvalid) {
		t.Fatalf("expected ErrStockInvalid, got %v", err)
	}
}

func TestOrderRepository_OverflowingDemandDoesNotReserve(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.SetStock(ctx, "sku-1", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	order := newOrder("order-overflow", 1)
	order.Items = []domain.OrderItem{
		{SKU: "sku-1", Qty: math.MaxInt32},
		{SKU: "sku-1", Qty: 2},
	}
	created, err := repo.Create(ctx, order)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	confirmed := created.Clone()
	confirmed.Status = domain.OrderStatusConfirmed
	confirmed.ReservedStock = true
	if _, err := repo.Save(ctx, confirmed); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("expected ErrItemQtyInvalid, got %v", err)
	}

	level, err := repo.GetStock(ctx, "sku-1")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.Reserved != 0 || level.Available() != 1 {
		t.Fatalf("stock must stay untouched, got %+v", level)
	}

	stored, err := repo.Load(ctx, created.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != domain.OrderStatusPending || stored.ReservedStock {
		t.Fatalf("order must stay pending, got %+v", stored)
	}
}
