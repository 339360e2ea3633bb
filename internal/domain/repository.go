package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
// Save применяет складской эффект перехода в той же транзакции, что и запись заказа.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(ctx context.Context, order Order) (Order, error)
	// Load возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Load(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// Save применяет обновления с учётом optimistic locking и возвращает заказ с новой версией.
	// Смена ReservedStock резервирует или освобождает остатки; нехватка даёт ErrInsufficientStock.
	Save(ctx context.Context, order Order) (Order, error)
}

// StockRepository управляет остатками склада.
type StockRepository interface {
	SetStock(ctx context.Context, sku string, onHand int32) error
	GetStock(ctx context.Context, sku string) (StockLevel, error)
}
