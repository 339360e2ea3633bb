package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

// TopicOrderLifecycle — аудит-топик подтверждённых брокером событий заказа.
const TopicOrderLifecycle = "order.lifecycle"

// LifecycleRecord — запись аудита жизненного цикла заказа в Kafka.
type LifecycleRecord struct {
	EventType string    `json:"event_type"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewLifecycleRecord создаёт запись аудита из события заказа.
func NewLifecycleRecord(event domain.OrderEvent, source string) *LifecycleRecord {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &LifecycleRecord{
		EventType: "order." + string(event.Type),
		OrderID:   event.OrderID,
		Status:    string(event.Status),
		Timestamp: ts.UTC(),
		Source:    source,
	}
}
