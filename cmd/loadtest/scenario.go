package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/version"
)

const scenarioCall = "scenario"

// Имена вызовов в отчёте.
const (
	callCreateOrder = "CreateOrder"
	callSetStatus   = "SetStatus"
	callSetStock    = "SetStock"
)

var errUnexpectedStatus = errors.New("unexpected http status")

type orderItem struct {
	SKU string `json:"sku"`
	Qty int32  `json:"qty"`
}

type orderView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// apiClient вызывает REST API сервиса заказов и пишет каждый вызов в collector.
type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func (c *apiClient) createOrder(ctx context.Context, customerID string, items []orderItem) (orderView, error) {
	var view orderView
	err := c.call(ctx, callCreateOrder, http.MethodPost, "/api/orders",
		map[string]interface{}{"customerId": customerID, "items": items},
		http.StatusCreated, &view)
	if err == nil && view.ID == "" {
		err = errors.New("create response returned empty order id")
	}
	return view, err
}

func (c *apiClient) setStatus(ctx context.Context, orderID, status, tracking string) (orderView, error) {
	body := map[string]string{"status": status}
	if tracking != "" {
		body["trackingNumber"] = tracking
	}
	var view orderView
	err := c.call(ctx, callSetStatus, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/status",
		body, http.StatusOK, &view)
	if err == nil && view.Status != status {
		err = fmt.Errorf("order %s: got status %s, want %s", orderID, view.Status, status)
	}
	return view, err
}

func (c *apiClient) setStock(ctx context.Context, sku string, onHand int32) error {
	return c.call(ctx, callSetStock, http.MethodPut, "/api/stock/"+url.PathEscape(sku),
		map[string]int32{"onHand": onHand}, http.StatusOK, nil)
}

func (c *apiClient) call(ctx context.Context, name, method, path string, body interface{}, want int, out interface{}) error {
	start := time.Now()
	code, err := c.do(ctx, method, path, body, want, out)
	c.col.record(name, time.Since(start), code, err == nil)
	return err
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return codeTransport, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return codeTransport, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("loadtest"))

	resp, err := c.http.Do(req)
	if err != nil {
		return codeTransport, err
	}
	defer resp.Body.Close()

	code := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return code, fmt.Errorf("%w: %s %s -> %d: %s", errUnexpectedStatus, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return codeTransport, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return code, nil
}

// happyPath — статусы от CONFIRMED до DELIVERED в порядке жизненного цикла.
var happyPath = []string{"CONFIRMED", "PAYMENT_PENDING", "PROCESSING", "SHIPPED", "DELIVERED"}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, runID string) (err error) {
	started := time.Now()
	defer func() {
		code := "ok"
		if err != nil {
			code = "failed"
		}
		client.col.record(scenarioCall, time.Since(started), code, err == nil)
	}()

	customerID := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)
	order, err := client.createOrder(ctx, customerID, []orderItem{{SKU: cfg.sku, Qty: cfg.qty}})
	if err != nil {
		return err
	}
	if cfg.mode == modeCreate {
		return nil
	}

	cancelAfterConfirm := cfg.mode == modeCancel ||
		(cfg.mode == modeLifecycle && shouldCancelScenario(index, cfg.cancelRate))

	for _, status := range happyPath {
		tracking := ""
		if status == "SHIPPED" {
			tracking = "TRK-" + order.ID
		}
		if _, err := client.setStatus(ctx, order.ID, status, tracking); err != nil {
			return err
		}
		if status == "CONFIRMED" && cancelAfterConfirm {
			_, err := client.setStatus(ctx, order.ID, "CANCELLED", "")
			return err
		}
	}
	return nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}
