package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumabot/backend/internal/services"
)

// BalanceHandler is the HTTP boundary of the ledger. It owns no money
// logic: it decodes requests, calls the ledger service, and maps the
// expected error kinds to status codes.
type BalanceHandler struct {
	ledger    *services.LedgerService
	users     *services.UserService
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewBalanceHandler(ledger *services.LedgerService, users *services.UserService, logger *zap.Logger) *BalanceHandler {
	return &BalanceHandler{
		ledger:    ledger,
		users:     users,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

// Routes mounts the balance endpoints on r.
func (h *BalanceHandler) Routes(r chi.Router) {
	r.Get("/balance/{userID}", h.GetBalance)
	r.Get("/balance/{userID}/transactions", h.GetHistory)
	r.Post("/balance/deposit", h.Deposit)
	r.Post("/balance/withdraw", h.Withdraw)
	r.Post("/balance/transfer", h.Transfer)
	r.Get("/users/{userID}", h.GetUser)
}

type depositRequest struct {
	UserID  int64           `json:"user_id" validate:"required,gt=0"`
	Amount  decimal.Decimal `json:"amount" validate:"required"`
	Comment string          `json:"comment,omitempty" validate:"max=255"`
}

type transferRequest struct {
	FromUserID int64           `json:"from_user_id" validate:"required,gt=0"`
	ToUserID   int64           `json:"to_user_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
	Comment    string          `json:"comment,omitempty" validate:"max=255"`
}

// GetBalance returns the current balance for a user. Reads do not lock
// and a user with no balance row reads as zero.
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

// GetHistory returns the user's ledger entries, newest first.
func (h *BalanceHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	entries, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"transactions": entries,
	})
}

// Deposit credits a user's balance.
func (h *BalanceHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.ledger.Deposit(r.Context(), req.UserID, req.Amount, req.Comment, idempotencyKey(r))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// Withdraw debits a user's balance.
func (h *BalanceHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.ledger.Withdraw(r.Context(), req.UserID, req.Amount, req.Comment, idempotencyKey(r))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// Transfer moves money between two users atomically.
func (h *BalanceHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.ledger.Transfer(r.Context(), req.FromUserID, req.ToUserID, req.Amount, req.Comment, idempotencyKey(r))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"from_user_id": req.FromUserID,
		"to_user_id":   req.ToUserID,
		"amount":       req.Amount,
		"from_balance": result.FromBalance,
		"to_balance":   result.ToBalance,
	})
}

// GetUser returns the account identity behind a ledger participant.
func (h *BalanceHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *BalanceHandler) userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return 0, false
	}
	return userID, true
}

func (h *BalanceHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *BalanceHandler) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAccountNotFound):
		services.SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, "Insufficient funds", http.StatusConflict, nil)
	case errors.Is(err, services.ErrInvalidTransfer):
		services.SendErrorResponse(w, "Cannot transfer to the same user", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrInvalidAmount):
		services.SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
	default:
		h.logger.Error("ledger operation failed", zap.Error(err))
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

func idempotencyKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
