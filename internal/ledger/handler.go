package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mietwerk/mietwerk/internal/shared"
)

// Handler exposes the allocation and balance endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	r.With(limiter).Post("/payments", h.allocatePayment)
	r.Get("/tenants/{tenantID}/balance", h.tenantBalance)
	r.Get("/tenants/{tenantID}/aging", h.tenantAging)
}

type allocatePaymentRequest struct {
	PaymentID   string `json:"payment_id" validate:"required,uuid"`
	TenantID    int64  `json:"tenant_id" validate:"required,gt=0"`
	Amount      string `json:"amount" validate:"required"`
	BookingDate string `json:"booking_date" validate:"omitempty,datetime=2006-01-02"`
	Type        string `json:"type" validate:"omitempty,max=64"`
	Reference   string `json:"reference" validate:"omitempty,max=140"`
}

func (h *Handler) allocatePayment(w http.ResponseWriter, r *http.Request) {
	var req allocatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number")
		return
	}
	var bookingDate time.Time
	if req.BookingDate != "" {
		bookingDate, _ = time.Parse("2006-01-02", req.BookingDate)
	}

	summary, err := h.service.AllocatePayment(r.Context(), AllocatePaymentInput{
		PaymentID:   req.PaymentID,
		TenantID:    req.TenantID,
		Amount:      amount,
		BookingDate: bookingDate,
		Type:        req.Type,
		Reference:   req.Reference,
		Actor:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.renderAllocationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *Handler) renderAllocationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, shared.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRetryExhausted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("allocate payment", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (h *Handler) tenantBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		year, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
	}
	balance, err := h.service.TenantBalance(r.Context(), tenantID, year)
	if err != nil {
		h.logger.Error("tenant balance", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) tenantAging(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	buckets, err := h.service.TenantAging(r.Context(), tenantID, time.Time{})
	if err != nil {
		h.logger.Error("tenant aging", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
