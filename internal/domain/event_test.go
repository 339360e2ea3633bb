package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

func TestOrderEvent_EncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 789123456, time.FixedZone("MSK", 3*3600))
	event := domain.OrderEvent{
		OrderID:   "o1",
		Type:      domain.EventTypeStatusChanged,
		Status:    domain.OrderStatusShipped,
		Timestamp: ts,
	}

	body, err := event.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["orderId"] != "o1" || raw["type"] != "status-changed" || raw["status"] != "SHIPPED" {
		t.Fatalf("unexpected wire shape: %s", body)
	}
	if raw["timestamp"] != "2026-02-03T01:05:06.789123456Z" {
		t.Fatalf("unexpected timestamp encoding: %v", raw["timestamp"])
	}

	decoded, err := domain.DecodeOrderEvent(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Fatalf("timestamp lost precision: %s vs %s", decoded.Timestamp, ts)
	}
	if decoded.OrderID != event.OrderID || decoded.Type != event.Type || decoded.Status != event.Status {
		t.Fatalf("decoded %+v", decoded)
	}
}

func TestDecodeOrderEvent_IgnoresUnknownFields(t *testing.T) {
	body := []byte(`{"orderId":"o1","type":"created","status":"PENDING","channel":"web","extra":{"a":1}}`)

	event, err := domain.DecodeOrderEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.OrderID != "o1" || event.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Timestamp.IsZero() {
		t.Fatal("missing timestamp must decode as zero time")
	}
}

func TestDecodeOrderEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"orderId":`,
		"missing order":  `{"type":"created","status":"PENDING"}`,
		"blank order":    `{"orderId":"  ","type":"created","status":"PENDING"}`,
		"missing status": `{"orderId":"o1","type":"created"}`,
		"unknown status": `{"orderId":"o1","type":"created","status":"LOST"}`,
		"unknown type":   `{"orderId":"o1","type":"deleted","status":"PENDING"}`,
		"bad timestamp":  `{"orderId":"o1","type":"created","status":"PENDING","timestamp":"yesterday"}`,
		"array":          `[1,2,3]`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := domain.DecodeOrderEvent([]byte(body))
			if !errors.Is(err, domain.ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestOrderEvent_EncodeRejectsInvalid(t *testing.T) {
	_, err := domain.OrderEvent{Type: domain.EventTypeCreated, Status: domain.OrderStatusPending}.Encode()
	if !errors.Is(err, domain.ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}

	_, err = domain.OrderEvent{OrderID: "o1", Type: "deleted", Status: domain.OrderStatusPending}.Encode()
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestOrderEvent_DedupKey(t *testing.T) {
	event := domain.OrderEvent{OrderID: "o1", Status: domain.OrderStatusCancelled}
	if got := event.DedupKey(); got != "o1:CANCELLED" {
		t.Fatalf("unexpected dedup key %q", got)
	}
}
