package stock

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// IdempotencyPort guards reservation requests against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const idempotencyModule = "stock:reserve"

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyPort
	writeLimit  int
}

// NewHandler constructs stock handler. writeLimit caps mutations per actor
// per minute; zero disables the limit.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyPort, writeLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idempotency: idem, writeLimit: writeLimit}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/variants/{variantID}", h.handleGetVariant)
	r.Get("/variants/{variantID}/movements", h.handleVariantMovements)
	r.Get("/variants/{variantID}/reconciliation", h.handleReconcile)
	r.Get("/movements", h.handleMovements)
	r.Group(func(r chi.Router) {
		if h.writeLimit > 0 {
			r.Use(httprate.Limit(h.writeLimit, time.Minute,
				httprate.WithKeyFuncs(rateLimitKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
				}),
			))
		}
		r.Post("/variants", h.handleCreateVariant)
		r.Post("/reservations", h.handleReserve)
		r.Post("/reservations/confirm", h.handleConfirm)
		r.Post("/restorations", h.handleRestore)
		r.Post("/adjustments", h.handleAdjust)
		r.Post("/adjustments/batch", h.handleAdjustBatch)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := strings.TrimSpace(shared.ActorFromContext(r.Context())); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	var input CreateVariantInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.CreateVariant(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var input ReserveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate", "reservation already processed for this Idempotency-Key")
				return
			}
			h.logger.Error("stock idempotency check", slog.Any("error", err))
			httpx.RespondError(w, shared.Internal(err))
			return
		}
	}
	result, err := h.service.ReserveBatch(r.Context(), input)
	if err != nil && key != "" && h.idempotency != nil {
		if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
			h.logger.Warn("stock idempotency rollback", slog.Any("error", delErr))
		}
	}
	h.writeBatch(w, result, err)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var input ConfirmInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	item, err := h.service.ConfirmReservation(r.Context(), input)
	h.writeItem(w, item, err)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var input RestoreInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	result, err := h.service.RestoreBatch(r.Context(), input)
	h.writeBatch(w, result, err)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var input AdjustInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	item, err := h.service.AdjustStock(r.Context(), input)
	h.writeItem(w, item, err)
}

func (h *Handler) handleAdjustBatch(w http.ResponseWriter, r *http.Request) {
	var input AdjustBatchInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	result, err := h.service.AdjustBatch(r.Context(), input)
	h.writeBatch(w, result, err)
}

func (h *Handler) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "variantID"))
	if !ok {
		return
	}
	v, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleVariantMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "variantID"))
	if !ok {
		return
	}
	h.listMovements(w, r, MovementFilter{VariantID: id})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{}
	if raw := r.URL.Query().Get("order_id"); raw != "" {
		id, ok := parseID(w, raw)
		if !ok {
			return
		}
		filter.OrderID = id
	}
	h.listMovements(w, r, filter)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request, filter MovementFilter) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.RespondError(w, shared.Errorf(shared.CodeValidation, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list stock movements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "variantID"))
	if !ok {
		return
	}
	rec, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"reconciliation": rec,
		"consistent":     rec.Consistent(),
	})
}

func (h *Handler) writeItem(w http.ResponseWriter, item ItemResult, err error) {
	if err != nil {
		h.writeBatch(w, BatchResult{}, err)
		return
	}
	h.writeBatch(w, BatchResult{Success: true, Items: []ItemResult{item}}, nil)
}

func (h *Handler) writeBatch(w http.ResponseWriter, result BatchResult, err error) {
	if err == nil {
		httpx.JSON(w, http.StatusOK, result)
		return
	}
	result.Success = false
	if len(result.Errors) == 0 {
		var se *shared.Error
		if !errors.As(err, &se) {
			se = shared.Internal(err)
		}
		item := *se
		if item.Code == shared.CodeInternal {
			item.Message = "storage failure"
		}
		result.Errors = []ItemError{item}
	}
	httpx.JSON(w, httpx.StatusFor(shared.CodeOf(err)), result)
}

func parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.RespondError(w, shared.Errorf(shared.CodeValidation, "invalid id %q", raw))
		return uuid.Nil, false
	}
	return id, true
}
