package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

type orderRow struct {
	ID             string    `db:"id"`
	CustomerID     string    `db:"customer_id"`
	Status         string    `db:"status"`
	ReservedStock  bool      `db:"reserved_stock"`
	TrackingNumber string    `db:"tracking_number"`
	Version        int64     `db:"version"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type itemRow struct {
	OrderID  string `db:"order_id"`
	Position int    `db:"position"`
	SKU      string `db:"sku"`
	Qty      int32  `db:"qty"`
}

type stockRow struct {
	SKU      string `db:"sku"`
	OnHand   int32  `db:"on_hand"`
	Reserved int32  `db:"reserved"`
}

// OrderRepository — PostgreSQL-реализация OrderRepository и StockRepository.
// Резерв склада выполняется условным UPDATE в транзакции сохранения заказа.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{db: store.DB()}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, status, reserved_stock, tracking_number, version, created_at, updated_at
		) VALUES (
			:id, :customer_id, :status, :reserved_stock, :tracking_number, :version, :created_at, :updated_at
		)
	`, toOrderRow(order))
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return domain.Order{}, domain.ErrOrderAlreadyExists
		}
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, sku, qty) VALUES ($1, $2, $3, $4)
		`, order.ID, i, item.SKU, item.Qty); err != nil {
			return domain.Order{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	if order.ReservedStock {
		if err := reserveStock(ctx, tx, order); err != nil {
			return domain.Order{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit create order: %w", err)
	}
	return order.Clone(), nil
}

func (r *OrderRepository) Load(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row orderRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, customer_id, status, reserved_stock, tracking_number, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, []string{row.ID})
	if err != nil {
		return domain.Order{}, err
	}
	return row.toDomain(items[row.ID]), nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, customer_id, status, reserved_stock, tracking_number, version, created_at, updated_at
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows []orderRow
		err  error
	)
	if limit > 0 {
		err = r.db.SelectContext(ctx, &rows, query+" LIMIT $2", customerID, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(rows) == 0 {
		return []domain.Order{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toDomain(items[row.ID]))
	}
	return orders, nil
}

// Save сохраняет заказ с проверкой версии. Строка заказа блокируется на время
// транзакции, а изменение ReservedStock применяется к таблице stock атомарно.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current struct {
		ReservedStock bool  `db:"reserved_stock"`
		Version       int64 `db:"version"`
	}
	err = tx.GetContext(ctx, &current, `
		SELECT reserved_stock, version FROM orders WHERE id = $1 FOR UPDATE
	`, order.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("lock order: %w", err)
	}
	if current.Version != order.Version {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	switch {
	case order.ReservedStock && !current.ReservedStock:
		if err := reserveStock(ctx, tx, order); err != nil {
			return domain.Order{}, err
		}
	case !order.ReservedStock && current.ReservedStock:
		if err := releaseStock(ctx, tx, order); err != nil {
			return domain.Order{}, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    reserved_stock = $2,
		    tracking_number = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		string(order.Status),
		order.ReservedStock,
		order.TrackingNumber,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit save order: %w", err)
	}

	saved := order.Clone()
	saved.Version++
	return saved, nil
}

func (r *OrderRepository) SetStock(ctx context.Context, sku string, onHand int32) error {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.ErrItemSKURequired
	}
	if onHand < 0 {
		return domain.ErrStockInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stock (sku, on_hand) VALUES ($1, $2)
		ON CONFLICT (sku) DO UPDATE SET on_hand = EXCLUDED.on_hand, updated_at = NOW()
	`, sku, onHand)
	if err != nil {
		if pgErrorCode(err) == pgCheckViolation {
			return domain.ErrStockInvalid
		}
		return fmt.Errorf("upsert stock: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetStock(ctx context.Context, sku string) (domain.StockLevel, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row stockRow
	err := r.db.GetContext(ctx, &row, `SELECT sku, on_hand, reserved FROM stock WHERE sku = $1`, sku)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLevel{SKU: sku}, nil
		}
		return domain.StockLevel{}, fmt.Errorf("select stock: %w", err)
	}
	return domain.StockLevel{SKU: row.SKU, OnHand: row.OnHand, Reserved: row.Reserved}, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT order_id, position, sku, qty
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs); err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}

	items := make(map[string][]domain.OrderItem, len(orderIDs))
	for _, row := range rows {
		items[row.OrderID] = append(items[row.OrderID], domain.OrderItem{SKU: row.SKU, Qty: row.Qty})
	}
	return items, nil
}

// reserveStock резервирует позиции по одной; спрос уже отсортирован по SKU,
// поэтому конкурирующие транзакции блокируют строки stock в одном порядке.
func reserveStock(ctx context.Context, tx *sqlx.Tx, order domain.Order) error {
	demand, err := order.StockDemand()
	if err != nil {
		return err
	}
	for _, item := range demand {
		res, err := tx.ExecContext(ctx, `
			UPDATE stock
			SET reserved = reserved + $2, updated_at = NOW()
			WHERE sku = $1
			  AND on_hand - reserved >= $2
		`, item.SKU, item.Qty)
		if err != nil {
			return fmt.Errorf("reserve stock %s: %w", item.SKU, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: sku %s", domain.ErrInsufficientStock, item.SKU)
		}
	}
	return nil
}

func releaseStock(ctx context.Context, tx *sqlx.Tx, order domain.Order) error {
	demand, err := order.StockDemand()
	if err != nil {
		return err
	}
	for _, item := range demand {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock
			SET reserved = GREATEST(reserved - $2, 0), updated_at = NOW()
			WHERE sku = $1
		`, item.SKU, item.Qty); err != nil {
			return fmt.Errorf("release stock %s: %w", item.SKU, err)
		}
	}
	return nil
}

func toOrderRow(order domain.Order) orderRow {
	return orderRow{
		ID:             order.ID,
		CustomerID:     order.CustomerID,
		Status:         string(order.Status),
		ReservedStock:  order.ReservedStock,
		TrackingNumber: order.TrackingNumber,
		Version:        order.Version,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
}

func (row orderRow) toDomain(items []domain.OrderItem) domain.Order {
	if items == nil {
		items = []domain.OrderItem{}
	}
	return domain.Order{
		ID:             row.ID,
		CustomerID:     row.CustomerID,
		Status:         domain.OrderStatus(row.Status),
		Items:          items,
		ReservedStock:  row.ReservedStock,
		TrackingNumber: row.TrackingNumber,
		Version:        row.Version,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var (
	_ domain.OrderRepository = (*OrderRepository)(nil)
	_ domain.StockRepository = (*OrderRepository)(nil)
)
