package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/stepsync/studio_services/internal/studio_service/app"
	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

const MaxRequestBodySize = 1 << 20 // 1 MB

// RefundProcessor is the refund entry point the handler calls.
type RefundProcessor interface {
	ProcessRefund(ctx context.Context, req app.RefundRequest) (*app.RefundResponse, error)
}

// PaymentProcessor covers registration, purchases, gifts and ledger reads.
type PaymentProcessor interface {
	GetPricing(ctx context.Context) (domain.PricingTable, error)
	RegisterStudent(ctx context.Context, req app.RegisterStudentRequest) (*app.PaymentResult, error)
	PurchaseConcession(ctx context.Context, req app.PurchaseConcessionRequest) (*app.PaymentResult, error)
	GiftConcession(ctx context.Context, req app.GiftConcessionRequest) (*app.GiftResult, error)
	ListStudentTransactions(ctx context.Context, studentID string, limit, offset int) ([]*domain.Transaction, int, error)
}

type StudioHandler struct {
	refunds  RefundProcessor
	payments PaymentProcessor
	validate *validator.Validate
	logger   *slog.Logger
}

func NewStudioHandler(refunds RefundProcessor, payments PaymentProcessor, validate *validator.Validate, logger *slog.Logger) *StudioHandler {
	return &StudioHandler{
		refunds:  refunds,
		payments: payments,
		validate: validate,
		logger:   logger.With("component", "studio_handler"),
	}
}

// RegisterRoutes mounts the studio API on r.
func (h *StudioHandler) RegisterRoutes(r chi.Router) {
	r.Post("/refunds", h.ProcessRefund)
	r.Post("/registrations", h.RegisterStudent)
	r.Post("/concessions/purchases", h.PurchaseConcession)
	r.Post("/concessions/gifts", h.GiftConcession)
	r.Get("/pricing", h.GetPricing)
	r.Get("/students/{studentID}/transactions", h.ListStudentTransactions)
}

// decode reads and validates a JSON body. It writes the error response itself.
func (h *StudioHandler) decode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.WarnContext(r.Context(), "Failed to decode request body", "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid-argument", "Invalid request payload: "+err.Error())
		return false
	}
	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		logger.WarnContext(r.Context(), "Request validation failed", "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid-argument", "Validation failed: "+err.Error())
		return false
	}
	return true
}

func (h *StudioHandler) fail(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	code := domain.ErrorCode(err)
	if mapCodeToHTTPStatus(code) >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, op+" failed", "error", err)
	} else {
		logger.InfoContext(ctx, op+" rejected", "kind", domain.KindOf(code), "error", err)
	}
	respondWithDomainError(w, err)
}

func (h *StudioHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

func (h *StudioHandler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var dto RefundRequestDTO
	if !h.decode(w, r, logger, &dto) {
		return
	}

	req, err := dto.toRequest()
	if err != nil {
		logger.WarnContext(ctx, "Refund amount rejected", "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid-argument", "Amount is out of range.")
		return
	}

	resp, err := h.refunds.ProcessRefund(ctx, req)
	if err != nil {
		h.fail(ctx, w, logger, "Refund", err)
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *StudioHandler) RegisterStudent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var dto RegisterStudentRequestDTO
	if !h.decode(w, r, logger, &dto) {
		return
	}

	result, err := h.payments.RegisterStudent(ctx, app.RegisterStudentRequest{
		FirstName:       dto.FirstName,
		LastName:        dto.LastName,
		Email:           dto.Email,
		Phone:           dto.Phone,
		PackageID:       dto.PackageID,
		PaymentMethodID: dto.PaymentMethodID,
	})
	if err != nil {
		h.fail(ctx, w, logger, "Registration", err)
		return
	}
	respondWithJSON(w, paymentStatus(result), result)
}

func (h *StudioHandler) PurchaseConcession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var dto PurchaseConcessionRequestDTO
	if !h.decode(w, r, logger, &dto) {
		return
	}

	result, err := h.payments.PurchaseConcession(ctx, app.PurchaseConcessionRequest{
		StudentID:       dto.StudentID,
		PackageID:       dto.PackageID,
		PaymentMethodID: dto.PaymentMethodID,
	})
	if err != nil {
		h.fail(ctx, w, logger, "Concession purchase", err)
		return
	}
	respondWithJSON(w, paymentStatus(result), result)
}

// paymentStatus is 201 when records were written, 200 when the charge needs more from the payer.
func paymentStatus(result *app.PaymentResult) int {
	if result.Success {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *StudioHandler) GiftConcession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var dto GiftConcessionRequestDTO
	if !h.decode(w, r, logger, &dto) {
		return
	}

	result, err := h.payments.GiftConcession(ctx, app.GiftConcessionRequest{
		StudentID: dto.StudentID,
		PackageID: dto.PackageID,
		Quantity:  dto.Quantity,
		ExpiresAt: dto.ExpiresAt,
		Note:      dto.Note,
	})
	if err != nil {
		h.fail(ctx, w, logger, "Gift concession", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *StudioHandler) GetPricing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table, err := h.payments.GetPricing(ctx)
	if err != nil {
		h.fail(ctx, w, h.requestLogger(r), "Pricing", err)
		return
	}
	respondWithJSON(w, http.StatusOK, table)
}

func (h *StudioHandler) ListStudentTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	studentID := chi.URLParam(r, "studentID")

	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid-argument", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid-argument", "offset must be an integer")
		return
	}

	txns, total, err := h.payments.ListStudentTransactions(ctx, studentID, limit, offset)
	if err != nil {
		h.fail(ctx, w, logger, "List transactions", err)
		return
	}
	if txns == nil {
		txns = []*domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, TransactionListResponse{Transactions: txns, Total: total, Limit: limit, Offset: offset})
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
