package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/platform/requestctx"
	"github.com/hanko-field/settlement/internal/services"
)

type outboxDrainer interface {
	Drain(ctx context.Context) (services.DrainReport, error)
}

// InternalHandlers serves endpoints invoked by Cloud Scheduler.
type InternalHandlers struct {
	outbox outboxDrainer
}

// NewInternalHandlers constructs InternalHandlers.
func NewInternalHandlers(outbox outboxDrainer) *InternalHandlers {
	return &InternalHandlers{outbox: outbox}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/outbox:drain", h.drainOutbox)
}

func (h *InternalHandlers) drainOutbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.outbox == nil {
		httpx.WriteError(ctx, w, httpx.NewError("outbox_unavailable", "outbox relay unavailable", http.StatusServiceUnavailable))
		return
	}
	report, err := h.outbox.Drain(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("outbox drain failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("outbox_drain_failed", "failed to read due intents", http.StatusServiceUnavailable))
		return
	}
	requestctx.Logger(ctx).Info("outbox drained",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("retrying", report.Retrying),
		zap.Int("dead", report.Dead),
		zap.Int("skipped", report.Skipped),
	)
	httpx.WriteJSON(w, http.StatusOK, drainResponse{
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Retrying:  report.Retrying,
		Dead:      report.Dead,
		Skipped:   report.Skipped,
	})
}
