package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

// OrderRepository — in-memory реализация OrderRepository и StockRepository.
// Один мьютекс охраняет и заказы, и склад, поэтому резерв последней единицы
// двумя заказами сериализуется.
type OrderRepository struct {
	mu    sync.RWMutex
	items map[string]domain.Order
	stock map[string]domain.StockLevel
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		items: make(map[string]domain.Order),
		stock: make(map[string]domain.StockLevel),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *OrderRepository) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderAlreadyExists
	}
	if order.ReservedStock {
		if err := r.reserveLocked(order); err != nil {
			return domain.Order{}, err
		}
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	return order.Clone(), nil
}

// Load возвращает заказ или ErrOrderNotFound, если его нет.
func (r *OrderRepository) Load(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByCustomer возвращает заказы клиента, ограничивая выборку limit (если >0).
func (r *OrderRepository) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if order.CustomerID != customerID {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking),
// и применяет смену флага резерва к складу в том же критическом участке.
func (r *OrderRepository) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	switch {
	case order.ReservedStock && !current.ReservedStock:
		if err := r.reserveLocked(order); err != nil {
			return domain.Order{}, err
		}
	case !order.ReservedStock && current.ReservedStock:
		if err := r.releaseLocked(current); err != nil {
			return domain.Order{}, err
		}
	}

	order.Version++
	r.items[order.ID] = order.Clone()
	return order.Clone(), nil
}

// SetStock задаёт физический остаток SKU, сохраняя текущий резерв.
func (r *OrderRepository) SetStock(_ context.Context, sku string, onHand int32) error {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.ErrItemSKURequired
	}
	if onHand < 0 {
		return domain.ErrStockInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	level := r.stock[sku]
	if onHand < level.Reserved {
		return domain.ErrStockInvalid
	}
	level.SKU = sku
	level.OnHand = onHand
	r.stock[sku] = level
	return nil
}

// GetStock возвращает остаток SKU; неизвестный SKU имеет нулевой остаток.
func (r *OrderRepository) GetStock(_ context.Context, sku string) (domain.StockLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	level, ok := r.stock[sku]
	if !ok {
		return domain.StockLevel{SKU: sku}, nil
	}
	return level, nil
}

// reserveLocked резервирует все позиции или ни одной.
func (r *OrderRepository) reserveLocked(order domain.Order) error {
	demand, err := order.StockDemand()
	if err != nil {
		return err
	}
	for _, item := range demand {
		if r.stock[item.SKU].Available() < item.Qty {
			return domain.ErrInsufficientStock
		}
	}
	for _, item := range demand {
		level := r.stock[item.SKU]
		level.Reserved += item.Qty
		r.stock[item.SKU] = level
	}
	return nil
}

func (r *OrderRepository) releaseLocked(order domain.Order) error {
	demand, err := order.StockDemand()
	if err != nil {
		return err
	}
	for _, item := range demand {
		level := r.stock[item.SKU]
		level.Reserved -= item.Qty
		if level.Reserved < 0 {
			level.Reserved = 0
		}
		r.stock[item.SKU] = level
	}
	return nil
}

var (
	_ domain.OrderRepository = (*OrderRepository)(nil)
	_ domain.StockRepository = (*OrderRepository)(nil)
)
