package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderpipe/internal/service/lifecycle"
)

const defaultRequestTimeout = 15 * time.Second

// NewRouter собирает HTTP API заказов поверх сервиса жизненного цикла.
func NewRouter(svc *lifecycle.Service, logger *log.Entry) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "rest")
	}
	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultRequestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Get("/order-statuses", h.listStatuses)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.createOrder)
			r.Get("/{id}", h.getOrder)
			r.Post("/{id}/status", h.changeStatus)
		})
		r.Get("/customers/{customerId}/orders", h.listCustomerOrders)

		r.Get("/stock/{sku}", h.getStock)
		r.Put("/stock/{sku}", h.setStock)
	})

	return r
}

// requestLogger пишет одну строку на запрос в logrus.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
