package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/orderpipe/internal/storage/memory"
)

type stubPublisher struct {
	fail   bool
	events []domain.OrderEvent
}

func (p *stubPublisher) Publish(_ context.Context, event domain.OrderEvent) error {
	if p.fail {
		return &domain.PublishError{OrderID: event.OrderID, RoutingKey: "order.status.changed.key", Err: errors.New("nack")}
	}
	p.events = append(p.events, event)
	return nil
}

type apiFixture struct {
	server *httptest.Server
	pub    *stubPublisher
	repo   *memory.OrderRepository
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := memory.NewOrderRepository()
	pub := &stubPublisher{}
	svc := lifecycle.NewService(repo, repo, pub)

	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	srv := httptest.NewServer(NewRouter(svc, logger.WithField("component", "rest-test")))
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, pub: pub, repo: repo}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *apiFixture) createOrder(t *testing.T) orderResponse {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/orders", createOrderRequest{
		CustomerID: "c1",
		Items:      []itemDTO{{SKU: "SKU-1", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var order orderResponse
	require.NoError(t, json.Unmarshal(body, &order))
	return order
}

func (f *apiFixture) changeStatus(t *testing.T, id string, req changeStatusRequest) (*http.Response, []byte) {
	t.Helper()
	return f.do(t, http.MethodPost, "/api/orders/"+id+"/status", req)
}

func TestAPI_CreateAndGet(t *testing.T) {
	f := newFixture(t)

	created := f.createOrder(t)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, domain.OrderStatusPending.Description(), created.StatusDescription)
	require.NotNil(t, created.EventPublished)
	assert.True(t, *created.EventPublished)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, domain.EventTypeCreated, f.pub.events[0].Type)

	resp, body := f.do(t, http.MethodGet, "/api/orders/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got orderResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Nil(t, got.EventPublished)
}

func TestAPI_CreateValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/orders", createOrderRequest{CustomerID: "c1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/orders", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/orders", createOrderRequest{
		CustomerID: "c1",
		Items:      []itemDTO{{SKU: "SKU-1", Qty: math.MaxInt32}, {SKU: "SKU-1", Qty: 2}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.changeStatus(t, "missing", changeStatusRequest{Status: "CONFIRMED"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_InvalidTransitionConflict(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	resp, body := f.changeStatus(t, order.ID, changeStatusRequest{Status: "SHIPPED", TrackingNumber: "TRK"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errBody errorResponse
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "PENDING", errBody.From)
	assert.Equal(t, "SHIPPED", errBody.To)
	assert.Len(t, f.pub.events, 1)
}

func TestAPI_UnknownStatusIsBadRequest(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	resp, _ := f.changeStatus(t, order.ID, changeStatusRequest{Status: "LOST"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TrackingRequired(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.SetStock(context.Background(), "SKU-1", 1))
	order := f.createOrder(t)

	for _, status := range []string{"CONFIRMED", "PAYMENT_PENDING", "PROCESSING"} {
		resp, body := f.changeStatus(t, order.ID, changeStatusRequest{Status: status})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, _ := f.changeStatus(t, order.ID, changeStatusRequest{Status: "shipped"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := f.changeStatus(t, order.ID, changeStatusRequest{Status: "SHIPPED", TrackingNumber: "TRK-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shipped orderResponse
	require.NoError(t, json.Unmarshal(body, &shipped))
	assert.Equal(t, "TRK-9", shipped.TrackingNumber)
}

func TestAPI_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	resp, _ := f.changeStatus(t, order.ID, changeStatusRequest{Status: "CONFIRMED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_PublishFailureStillCommits(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.pub.fail = true

	resp, body := f.changeStatus(t, order.ID, changeStatusRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got orderResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "CANCELLED", got.Status)
	require.NotNil(t, got.EventPublished)
	assert.False(t, *got.EventPublished)
}

func TestAPI_ListStatuses(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/order-statuses", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []statusResponse
	require.NoError(t, json.Unmarshal(body, &statuses))
	require.Len(t, statuses, len(domain.AllStatuses()))

	byName := make(map[string]statusResponse, len(statuses))
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.True(t, byName["CANCELLED"].Terminal)
	assert.True(t, byName["DELIVERED"].Terminal)
	assert.Equal(t, []string{"REFUND_REQUESTED"}, byName["DELIVERED"].Next)
	assert.False(t, byName["SHIPPED"].Terminal)
	assert.Empty(t, byName["REFUNDED"].Next)
	assert.ElementsMatch(t, []string{"CONFIRMED", "CANCELLED"}, byName["PENDING"].Next)
}

func TestAPI_StockAndCustomerOrders(t *testing.T) {
	f := newFixture(t)

	onHand := int32(4)
	resp, body := f.do(t, http.MethodPut, "/api/stock/SKU-1", setStockRequest{OnHand: &onHand})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	order := f.createOrder(t)
	resp, _ = f.changeStatus(t, order.ID, changeStatusRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/stock/SKU-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var level stockResponse
	require.NoError(t, json.Unmarshal(body, &level))
	assert.Equal(t, stockResponse{SKU: "SKU-1", OnHand: 4, Reserved: 1, Available: 3}, level)

	resp, _ = f.do(t, http.MethodPut, "/api/stock/SKU-1", setStockRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/customers/c1/orders?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []orderResponse
	require.NoError(t, json.Unmarshal(body, &orders))
	assert.Len(t, orders, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/customers/c1/orders?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
