package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType различает семейства событий жизненного цикла заказа.
type EventType string

const (
	EventTypeCreated       EventType = "created"
	EventTypeStatusChanged EventType = "status-changed"
)

// Valid проверяет, что тип события известен.
func (t EventType) Valid() bool {
	return t == EventTypeCreated || t == EventTypeStatusChanged
}

// OrderEvent — неизменяемая запись о создании заказа или смене его статуса.
type OrderEvent struct {
	OrderID   string
	Type      EventType
	Status    OrderStatus
	Timestamp time.Time
}

// DedupKey однозначно определяет побочный эффект события у потребителя.
func (e OrderEvent) DedupKey() string {
	return e.OrderID + ":" + string(e.Status)
}

type wireOrderEvent struct {
	OrderID   string `json:"orderId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Encode сериализует событие в JSON. Время пишется в UTC с наносекундами.
func (e OrderEvent) Encode() ([]byte, error) {
	if strings.TrimSpace(e.OrderID) == "" {
		return nil, ErrOrderIDRequired
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	if !e.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, e.Status)
	}

	wire := wireOrderEvent{
		OrderID: e.OrderID,
		Type:    string(e.Type),
		Status:  string(e.Status),
	}
	if !e.Timestamp.IsZero() {
		wire.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(wire)
}

// DecodeOrderEvent разбирает тело сообщения. Любая структурная проблема
// оборачивается в ErrMalformedEvent; неизвестные поля игнорируются.
func DecodeOrderEvent(body []byte) (OrderEvent, error) {
	var wire wireOrderEvent
	if err := json.Unmarshal(body, &wire); err != nil {
		return OrderEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if strings.TrimSpace(wire.OrderID) == "" {
		return OrderEvent{}, fmt.Errorf("%w: orderId is missing", ErrMalformedEvent)
	}
	if strings.TrimSpace(wire.Status) == "" {
		return OrderEvent{}, fmt.Errorf("%w: status is missing", ErrMalformedEvent)
	}

	status := OrderStatus(wire.Status)
	if !status.Valid() {
		return OrderEvent{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, wire.Status)
	}
	eventType := EventType(wire.Type)
	if !eventType.Valid() {
		return OrderEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, wire.Type)
	}

	event := OrderEvent{
		OrderID: wire.OrderID,
		Type:    eventType,
		Status:  status,
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return OrderEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
		}
		event.Timestamp = ts.UTC()
	}

	return event, nil
}
