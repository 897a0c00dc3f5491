package credits

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/middleware"
)

// BillingTokenHeader carries the shared secret billing webhooks authenticate
// with. User JWTs are deliberately not accepted on the add surface.
const BillingTokenHeader = "X-Billing-Token"

type AddCreditsRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	EntryType      string `json:"entry_type"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key"`
}

type AddCreditsResponse struct {
	EntryID string `json:"entry_id"`
	Balance int64  `json:"balance"`
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type Handler struct {
	svc *Service
	// webhookToken authenticates the billing provider on /credits/add.
	// Empty means the surface is disabled.
	webhookToken string
	log          *slog.Logger
}

func NewHandler(svc *Service, webhookToken string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, webhookToken: webhookToken, log: log}
}

// GetBalance handles GET /api/v1/credits/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

// ListLedger handles GET /api/v1/credits/ledger.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	entries, err := h.svc.Entries(r.Context(), userID)
	if err != nil {
		h.log.Error("list ledger failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// AddCredits handles POST /api/v1/credits/add — the surface billing webhooks
// land on. Authenticated by the shared webhook secret, never by a user JWT:
// users must not be able to mint their own credits. Safe against redelivery:
// the idempotency key dedupes.
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "billing surface disabled"})
		return
	}
	token := r.Header.Get(BillingTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req AddCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	entryID, err := h.svc.AddCredits(r.Context(), userID, req.Amount, req.EntryType, req.Note, req.IdempotencyKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance after add failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, AddCreditsResponse{EntryID: entryID.String(), Balance: balance})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
