package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/version"
)

// Message собирает текст уведомления из описания статуса.
func Message(orderID string, status domain.OrderStatus) string {
	return fmt.Sprintf("Order %s: %s", orderID, status.Description())
}

// LogNotifier пишет уведомление в лог. Используется, когда webhook не настроен.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "log-notifier")
	}
	return &LogNotifier{logger: logger}
}

// Notify логирует уведомление.
func (n *LogNotifier) Notify(_ context.Context, orderID string, status domain.OrderStatus) error {
	n.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   string(status),
	}).Info(Message(orderID, status))
	return nil
}

const defaultWebhookTimeout = 10 * time.Second

// webhookPayload — тело POST-запроса к внешнему каналу уведомлений.
type webhookPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebhookNotifier отправляет уведомление HTTP POST-запросом.
// 5xx, 429 и сетевые ошибки дают ErrDispatchTemporary, остальные 4xx дают ErrDispatchRejected.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// WebhookOption настраивает WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// NewWebhookNotifier создаёт notifier для url.
func NewWebhookNotifier(url string, opts ...WebhookOption) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify отправляет уведомление.
func (n *WebhookNotifier) Notify(ctx context.Context, orderID string, status domain.OrderStatus) error {
	body, err := json.Marshal(webhookPayload{
		OrderID: orderID,
		Status:  string(status),
		Message: Message(orderID, status),
	})
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", domain.ErrDispatchRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrDispatchRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", orderID+":"+string(status))
	req.Header.Set("User-Agent", version.UserAgent("notification"))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchTemporary, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: webhook responded %d", domain.ErrDispatchTemporary, resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook responded %d", domain.ErrDispatchRejected, resp.StatusCode)
	}
}
