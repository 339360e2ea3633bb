package domain

import (
	"context"
	"time"
)

// EventPublisher отправляет события жизненного цикла во внешний транспорт.
type EventPublisher interface {
	// Publish возвращает nil только после подтверждения брокером; иначе *PublishError.
	Publish(ctx context.Context, event OrderEvent) error
}

// Notifier доставляет уведомление клиенту. Реализация может временно отказывать.
type Notifier interface {
	Notify(ctx context.Context, orderID string, status OrderStatus) error
}

// ClaimResult описывает исход попытки захватить ключ дедупликации.
type ClaimResult int

const (
	// ClaimAcquired — ключ захвачен, побочный эффект нужно выполнить.
	ClaimAcquired ClaimResult = iota
	// ClaimDuplicate — эффект уже выполнен ранее.
	ClaimDuplicate
	// ClaimBusy — эффект выполняется прямо сейчас.
	ClaimBusy
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// DedupStore хранит ключи уже обработанных событий у потребителя.
type DedupStore interface {
	// Claim атомарно ставит ключ в состояние processing на ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (ClaimResult, error)
	// MarkDone фиксирует успешную обработку на ttl.
	MarkDone(ctx context.Context, key string, ttl time.Duration) error
	// Release снимает захват после неудачи, чтобы повторная доставка могла выполнить эффект.
	Release(ctx context.Context, key string) error
}
