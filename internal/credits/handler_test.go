package credits

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/middleware"
	"github.com/reelsmith/backend/internal/models"
)

const testWebhookToken = "whsec_test"

func newWebhookHandler() (*Handler, *memStore) {
	store := newMemStore()
	return NewHandler(NewService(store, NewPolicy(30)), testWebhookToken, nil), store
}

func postAdd(t *testing.T, h *Handler, token string, req AddCreditsRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/credits/add", strings.NewReader(string(body)))
	if token != "" {
		r.Header.Set(BillingTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.AddCredits(rec, r)
	return rec
}

func TestAddCreditsWebhook(t *testing.T) {
	h, store := newWebhookHandler()
	user := uuid.New()

	rec := postAdd(t, h, testWebhookToken, AddCreditsRequest{
		UserID:         user.String(),
		Amount:         500,
		EntryType:      models.EntryTypePurchase,
		Note:           "stripe checkout",
		IdempotencyKey: "evt_123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp AddCreditsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 500 {
		t.Errorf("balance: got %d, want 500", resp.Balance)
	}

	// Redelivered webhook: same entry, no second increment.
	rec = postAdd(t, h, testWebhookToken, AddCreditsRequest{
		UserID:         user.String(),
		Amount:         500,
		EntryType:      models.EntryTypePurchase,
		Note:           "stripe checkout",
		IdempotencyKey: "evt_123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status: got %d, want 200", rec.Code)
	}
	var second AddCreditsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode redelivery response: %v", err)
	}
	if second.EntryID != resp.EntryID {
		t.Errorf("redelivery entry id: got %s, want %s", second.EntryID, resp.EntryID)
	}
	if second.Balance != 500 {
		t.Errorf("balance after redelivery: got %d, want 500", second.Balance)
	}
	if n := len(store.byType(models.EntryTypePurchase)); n != 1 {
		t.Errorf("purchase entries: got %d, want 1", n)
	}
}

// User JWTs do not open the add surface: only the billing secret does.
func TestAddCreditsRejectsBadToken(t *testing.T) {
	h, _ := newWebhookHandler()
	req := AddCreditsRequest{UserID: uuid.NewString(), Amount: 500, EntryType: models.EntryTypePurchase}

	if rec := postAdd(t, h, "", req); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", rec.Code)
	}
	if rec := postAdd(t, h, "wrong-secret", req); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: got %d, want 401", rec.Code)
	}
}

func TestAddCreditsDisabledWithoutSecret(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), NewPolicy(30)), "", nil)
	req := AddCreditsRequest{UserID: uuid.NewString(), Amount: 500, EntryType: models.EntryTypePurchase}

	if rec := postAdd(t, h, "anything", req); rec.Code != http.StatusForbidden {
		t.Errorf("unconfigured surface: got %d, want 403", rec.Code)
	}
}

func TestAddCreditsBadRequest(t *testing.T) {
	h, _ := newWebhookHandler()

	if rec := postAdd(t, h, testWebhookToken, AddCreditsRequest{UserID: "not-a-uuid", Amount: 500, EntryType: models.EntryTypePurchase}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad user_id: got %d, want 400", rec.Code)
	}
	if rec := postAdd(t, h, testWebhookToken, AddCreditsRequest{UserID: uuid.NewString(), Amount: -5, EntryType: models.EntryTypePurchase}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative purchase: got %d, want 400", rec.Code)
	}
}

func TestGetBalanceHandler(t *testing.T) {
	h, _ := newWebhookHandler()
	user := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil)
	rec := httptest.NewRecorder()
	h.GetBalance(rec, req.WithContext(middleware.WithUserID(req.Context(), user)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp BalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 0 {
		t.Errorf("fresh account balance: got %d, want 0", resp.Balance)
	}

	// No identity in context (middleware bypassed): rejected.
	rec = httptest.NewRecorder()
	h.GetBalance(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("request without identity: got %d, want 401", rec.Code)
	}
}
