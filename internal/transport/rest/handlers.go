package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/service/lifecycle"
)

const maxBodyBytes = 1 << 20

type handler struct {
	svc    *lifecycle.Service
	logger *log.Entry
}

type itemDTO struct {
	SKU string `json:"sku"`
	Qty int32  `json:"qty"`
}

type createOrderRequest struct {
	CustomerID string    `json:"customerId"`
	Items      []itemDTO `json:"items"`
}

type changeStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type setStockRequest struct {
	OnHand *int32 `json:"onHand"`
}

type orderResponse struct {
	ID                string    `json:"id"`
	CustomerID        string    `json:"customerId"`
	Status            string    `json:"status"`
	StatusDescription string    `json:"statusDescription"`
	Items             []itemDTO `json:"items"`
	ReservedStock     bool      `json:"reservedStock"`
	TrackingNumber    string    `json:"trackingNumber,omitempty"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	EventPublished    *bool     `json:"eventPublished,omitempty"`
}

type statusResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Terminal    bool     `json:"terminal"`
	Next        []string `json:"next"`
}

type stockResponse struct {
	SKU       string `json:"sku"`
	OnHand    int32  `json:"onHand"`
	Reserved  int32  `json:"reserved"`
	Available int32  `json:"available"`
}

type errorResponse struct {
	Error string `json:"error"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{SKU: item.SKU, Qty: item.Qty})
	}

	res, err := h.svc.Create(r.Context(), req.CustomerID, items)
	if err != nil && !errors.Is(err, domain.ErrPublish) {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(res.Order, &res.Published))
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

func (h *handler) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	orders, err := h.svc.ListByCustomer(r.Context(), chi.URLParam(r, "customerId"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderResponse(order, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

// changeStatus отвечает 200 и при неподтверждённой публикации: переход уже закоммичен,
// клиент видит это по eventPublished=false.
func (h *handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	target, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.svc.Transition(r.Context(), chi.URLParam(r, "id"), target, domain.TransitionOptions{
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil && !errors.Is(err, domain.ErrPublish) {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(res.Order, &res.Published))
}

func (h *handler) listStatuses(w http.ResponseWriter, _ *http.Request) {
	all := domain.AllStatuses()
	out := make([]statusResponse, 0, len(all))
	for _, status := range all {
		next := make([]string, 0)
		for _, n := range status.Next() {
			next = append(next, string(n))
		}
		out = append(out, statusResponse{
			Name:        string(status),
			Description: status.Description(),
			Terminal:    status.IsTerminal(),
			Next:        next,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getStock(w http.ResponseWriter, r *http.Request) {
	level, err := h.svc.GetStock(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(level))
}

func (h *handler) setStock(w http.ResponseWriter, r *http.Request) {
	var req setStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OnHand == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "onHand is required"})
		return
	}

	level, err := h.svc.SetStock(r.Context(), chi.URLParam(r, "sku"), *req.OnHand)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResponse(level))
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var invalid *domain.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: domain.ErrInvalidTransition.Error(),
			From:  string(invalid.From),
			To:    string(invalid.To),
		})
	case errors.Is(err, domain.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrTrackingNumberRequired):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInsufficientStock),
		domain.IsVersionConflict(err):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrOrderIDRequired),
		errors.Is(err, domain.ErrStockInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func toOrderResponse(order domain.Order, published *bool) orderResponse {
	items := make([]itemDTO, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemDTO{SKU: item.SKU, Qty: item.Qty})
	}
	return orderResponse{
		ID:                order.ID,
		CustomerID:        order.CustomerID,
		Status:            string(order.Status),
		StatusDescription: order.Status.Description(),
		Items:             items,
		ReservedStock:     order.ReservedStock,
		TrackingNumber:    order.TrackingNumber,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
		EventPublished:    published,
	}
}

func toStockResponse(level domain.StockLevel) stockResponse {
	return stockResponse{
		SKU:       level.SKU,
		OnHand:    level.OnHand,
		Reserved:  level.Reserved,
		Available: level.Available(),
	}
}
