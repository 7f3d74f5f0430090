package orders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/httpx"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the order routes. createMW wraps only order creation.
func (h *Handler) Register(mux *http.ServeMux, createMW ...httpx.Middleware) {
	mux.Handle("POST /v1/orders", httpx.Chain(http.HandlerFunc(h.Create), createMW...))
	mux.HandleFunc("GET /v1/orders/{id}", h.Get)
}

type createOrderRequest struct {
	CustomerID string          `json:"customerId"`
	ProductID  string          `json:"productId"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

type createOrderResponse struct {
	OrderID string `json:"orderId"`
}

type orderResponse struct {
	OrderID     string `json:"orderId"`
	CustomerID  string `json:"customerId"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	TotalAmount string `json:"totalAmount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	o, err := h.svc.CreateOrder(r.Context(), CreateOrderRequest{
		CustomerID: strings.TrimSpace(req.CustomerID),
		ProductID:  strings.TrimSpace(req.ProductID),
		Quantity:   req.Quantity,
		UnitPrice:  req.Price,
	})
	switch {
	case errors.Is(err, ErrInvalidOrder):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrDuplicateOrder):
		httpx.WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("create order failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	w.Header().Set("Location", "/v1/orders/"+o.ID)
	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{OrderID: o.ID})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrOrderNotFound) {
		httpx.WriteError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.Error("get order failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		ProductID:   o.ProductID,
		Quantity:    o.Quantity,
		TotalAmount: events.FormatAmount(o.TotalAmount),
		Status:      o.Status,
		CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}
