package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/platform/requestctx"
	"github.com/hanko-field/settlement/internal/services"
)

const (
	maxOrderBodySize      = 64 * 1024
	maxTransitionBodySize = 4 * 1024
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

var validPaymentStatuses = map[domain.PaymentStatus]struct{}{
	domain.PaymentStatusPending:   {},
	domain.PaymentStatusCompleted: {},
	domain.PaymentStatusFailed:    {},
}

type orderLifecycle interface {
	Place(ctx context.Context, cmd services.PlaceOrderCommand) (services.TransitionResult, error)
	Confirm(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error)
	Cancel(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error)
	Refund(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error)
	MarkShipped(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error)
	MarkDelivered(ctx context.Context, cmd services.TransitionCommand) (services.TransitionResult, error)
}

type orderQuoter interface {
	Quote(ctx context.Context, cmd services.QuoteCommand) (services.PriceBreakdown, error)
}

type orderReader interface {
	Get(ctx context.Context, orderID string) (domain.Order, error)
	CheckStock(ctx context.Context, orderID string) (services.StockCheck, error)
	History(ctx context.Context, orderID, action string) ([]domain.ActionEntry, error)
	Commission(ctx context.Context, orderID string) (services.CommissionReport, error)
	Track(ctx context.Context, orderID string) (services.TrackingResult, error)
}

// AdminOrderHandlers exposes order settlement endpoints for staff.
type AdminOrderHandlers struct {
	lifecycle orderLifecycle
	quoter    orderQuoter
	queries   orderReader
}

// NewAdminOrderHandlers constructs AdminOrderHandlers.
func NewAdminOrderHandlers(lifecycle orderLifecycle, quoter orderQuoter, queries orderReader) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		lifecycle: lifecycle,
		quoter:    quoter,
		queries:   queries,
	}
}

// Routes registers the /admin/orders endpoints. Authentication is attached by the router group.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.placeOrder)
	r.Post("/quote", h.quoteOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/stock", h.checkStock)
	r.Get("/{orderID}/history", h.listHistory)
	r.Get("/{orderID}/commission", h.getCommission)
	r.Get("/{orderID}/tracking", h.trackOrder)
	r.Post("/{orderID}:confirm", h.transition("confirm"))
	r.Post("/{orderID}:cancel", h.transition("cancel"))
	r.Post("/{orderID}:refund", h.transition("refund"))
	r.Post("/{orderID}:ship", h.transition("ship"))
	r.Post("/{orderID}:deliver", h.transition("deliver"))
}

func (h *AdminOrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor, ok := requestctx.Actor(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req placeOrderRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, true, &req) {
		return
	}

	paymentStatus := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.PaymentStatus)))
	if paymentStatus != "" {
		if _, ok := validPaymentStatuses[paymentStatus]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentStatus must be pending, completed or failed", http.StatusBadRequest))
			return
		}
	}

	items := normalizeItems(ctx, req.Items)
	result, err := h.lifecycle.Place(ctx, services.PlaceOrderCommand{
		Items:           items,
		Address:         req.Address.toDomain(),
		Customer:        req.Customer.toDomain(),
		CouponCode:      req.CouponCode,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		PaymentStatus:   paymentStatus,
		Actor:           actor,
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	status := transitionStatus(result)
	if result.Outcome == services.OutcomeApplied {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, buildTransitionResponse(result))
}

func (h *AdminOrderHandlers) quoteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quoter == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_service_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req quoteRequest
	if !decodeBody(ctx, w, r, maxOrderBodySize, true, &req) {
		return
	}

	breakdown, err := h.quoter.Quote(ctx, services.QuoteCommand{
		Items:      normalizeItems(ctx, req.Items),
		Address:    req.Address.toDomain(),
		CouponCode: req.CouponCode,
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildQuoteResponse(breakdown, req.CouponCode))
}

func normalizeItems(ctx context.Context, req []orderItemRequest) []domain.OrderItem {
	items, coerced := itemsToDomain(req)
	if len(coerced) > 0 {
		requestctx.Logger(ctx).Warn("order.request.coerced", zap.Strings("fields", coerced))
	}
	return items
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.readTarget(ctx, w, r)
	if !ok {
		return
	}
	order, err := h.queries.Get(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) checkStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.readTarget(ctx, w, r)
	if !ok {
		return
	}
	check, err := h.queries.CheckStock(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	shortfalls := buildShortfallPayloads(check.InsufficientStock)
	if shortfalls == nil {
		shortfalls = []shortfallPayload{}
	}
	httpx.WriteJSON(w, http.StatusOK, stockResponse{OrderID: orderID, CanFulfill: check.CanFulfill, InsufficientStock: shortfalls})
}

func (h *AdminOrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.readTarget(ctx, w, r)
	if !ok {
		return
	}
	entries, err := h.queries.History(ctx, orderID, r.URL.Query().Get("action"))
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{OrderID: orderID, Items: buildActionPayloads(entries)})
}

func (h *AdminOrderHandlers) getCommission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.readTarget(ctx, w, r)
	if !ok {
		return
	}
	report, err := h.queries.Commission(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCommissionResponse(report))
}

func (h *AdminOrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, ok := h.readTarget(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.queries.Track(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTrackingResponse(orderID, result))
}

func (h *AdminOrderHandlers) transition(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.lifecycle == nil {
			httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
			return
		}
		actor, ok := requestctx.Actor(ctx)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
			return
		}
		orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
		if orderID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
			return
		}

		var req transitionRequest
		if !decodeBody(ctx, w, r, maxTransitionBodySize, false, &req) {
			return
		}

		cmd := services.TransitionCommand{OrderID: orderID, Actor: actor, Reason: req.Reason}
		var (
			result services.TransitionResult
			err    error
		)
		switch name {
		case "confirm":
			result, err = h.lifecycle.Confirm(ctx, cmd)
		case "cancel":
			result, err = h.lifecycle.Cancel(ctx, cmd)
		case "refund":
			result, err = h.lifecycle.Refund(ctx, cmd)
		case "ship":
			result, err = h.lifecycle.MarkShipped(ctx, cmd)
		case "deliver":
			result, err = h.lifecycle.MarkDelivered(ctx, cmd)
		default:
			httpx.WriteError(ctx, w, httpx.NewError("not_implemented", "unknown transition", http.StatusNotImplemented))
			return
		}
		if err != nil {
			writeSettlementError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, transitionStatus(result), buildTransitionResponse(result))
	}
}

func (h *AdminOrderHandlers) readTarget(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.queries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// transitionStatus maps a result onto an HTTP status. Rejected transitions wrote nothing.
func transitionStatus(result services.TransitionResult) int {
	if result.Outcome == services.OutcomeRejected {
		return http.StatusConflict
	}
	return http.StatusOK
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, required bool, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && !required:
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeSettlementError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrLifecycleInvalidInput), errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrLifecycleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrLifecycleConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrLifecycleUnavailable), errors.Is(err, services.ErrPricingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "settlement store unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		requestctx.Logger(ctx).Error("settlement request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
