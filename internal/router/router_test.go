package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/auth"
	"github.com/pawhero/backend/internal/catalog"
	"github.com/pawhero/backend/internal/generation"
	"github.com/pawhero/backend/internal/handlers"
	"github.com/pawhero/backend/internal/ledger"
	"github.com/pawhero/backend/internal/models"
	"github.com/pawhero/backend/internal/ratelimit"
	"github.com/pawhero/backend/internal/schema"
	"github.com/pawhero/backend/internal/webhook"
)

const (
	jwtSecret     = "test-jwt-secret-with-enough-length-0123456789"
	webhookSecret = "whsec_router_test"
)

// ---------------------------------------------------------------------------
// Test server
// ---------------------------------------------------------------------------

type fakeImages struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeImages) Generate(_ context.Context, _, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []string{fmt.Sprintf("https://out/%d.png", f.calls)}, nil
}

type testServer struct {
	*httptest.Server
	store *ledger.MemoryStore
}

func newTestServer(t *testing.T, userLimit int) *testServer {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.New(store, models.DefaultInitialCredits, nil)
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	history := generation.NewMemoryHistory()
	orch := generation.New(generation.Deps{
		Catalog: cat, Images: &fakeImages{}, Ledger: l, History: history,
	}, generation.Config{}, nil)

	api := &handlers.API{
		Ledger:    l,
		Generator: orch,
		Styles:    cat,
		History:   history,
		Webhooks:  webhook.NewReconciler(webhookSecret, webhook.NewMemoryEventStore(), webhook.NewMemoryPurchaseStore(), l, nil),
	}
	h := New(Deps{
		API:       api,
		Verifier:  auth.NewJWTVerifier(jwtSecret),
		Accounts:  l,
		Validator: v,
		Limiter:   ratelimit.NewMemory(),
		IP:        ratelimit.Policy{Name: "ip", Max: 1000, Window: time.Minute},
		User:      ratelimit.Policy{Name: "user", Max: userLimit, Window: time.Minute},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

func token(t *testing.T, id uuid.UUID, admin bool) string {
	t.Helper()
	tok, err := auth.Issue(jwtSecret, auth.Identity{UserID: id, Email: "rex@example.com", IsAdmin: admin}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func shortfall(body map[string]any) int {
	e, _ := body["error"].(map[string]any)
	n, _ := e["shortfall"].(float64)
	return int(n)
}

func balance(t *testing.T, s *testServer, tok string) int {
	t.Helper()
	resp, body := s.do(t, http.MethodGet, "/v1/me", tok, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/me: %d %v", resp.StatusCode, body)
	}
	return int(body["credit_balance"].(float64))
}

func generateBody(count int) string {
	return fmt.Sprintf(`{"style_id":"caped-crusader","image_url":"https://img/rex.jpg","count":%d}`, count)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestEndToEnd_NewUserSpendsFreeCredits(t *testing.T) {
	s := newTestServer(t, 10)
	tok := token(t, uuid.New(), false)

	if b := balance(t, s, tok); b != 5 {
		t.Fatalf("new account balance: got %d, want 5", b)
	}

	resp, body := s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(10))
	if resp.StatusCode != http.StatusPaymentRequired || shortfall(body) != 5 {
		t.Fatalf("count=10: %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(5))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("count=5: %d %v", resp.StatusCode, body)
	}
	if imgs, _ := body["images"].([]any); len(imgs) != 5 {
		t.Fatalf("images: %v", body["images"])
	}
	if b := balance(t, s, tok); b != 0 {
		t.Fatalf("balance after spend: got %d, want 0", b)
	}

	resp, body = s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(1))
	if resp.StatusCode != http.StatusPaymentRequired || shortfall(body) != 1 {
		t.Fatalf("count=1: %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/v1/credits/ledger", tok, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger: %d", resp.StatusCode)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 2 {
		t.Fatalf("ledger entries: %v", body["entries"])
	}
}

func TestEndToEnd_RequiresToken(t *testing.T) {
	s := newTestServer(t, 10)
	resp, _ := s.do(t, http.MethodGet, "/v1/me", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodGet, "/v1/styles", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("styles is public: got %d", resp.StatusCode)
	}
}

func TestEndToEnd_SchemaRejectsBeforeLedger(t *testing.T) {
	s := newTestServer(t, 10)
	tok := token(t, uuid.New(), false)
	resp, _ := s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(11))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if b := balance(t, s, tok); b != 5 {
		t.Fatalf("balance changed: %d", b)
	}
}

func TestEndToEnd_UserRateLimit(t *testing.T) {
	s := newTestServer(t, 2)
	tok := token(t, uuid.New(), false)
	for i := 0; i < 2; i++ {
		resp, body := s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(1))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: %d %v", i, resp.StatusCode, body)
		}
	}
	resp, _ := s.do(t, http.MethodPost, "/v1/generate", tok, generateBody(1))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" || resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("missing rate-limit headers: %v", resp.Header)
	}
	if b := balance(t, s, tok); b != 3 {
		t.Fatalf("rejected request was charged: balance %d", b)
	}

	// Another user has their own bucket.
	resp, _ = s.do(t, http.MethodPost, "/v1/generate", token(t, uuid.New(), false), generateBody(1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other user: expected 200, got %d", resp.StatusCode)
	}
}

func TestEndToEnd_WebhookPurchase(t *testing.T) {
	s := newTestServer(t, 10)
	id := uuid.New()
	tok := token(t, id, false)
	_ = balance(t, s, tok)

	payload := fmt.Sprintf(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"paid","metadata":{"user_id":%q,"credits":"20"}}}}`, id)
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, s.URL+"/v1/webhooks/stripe", strings.NewReader(payload))
		req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(payload), webhookSecret, time.Now()))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: status %d", i, resp.StatusCode)
		}
	}
	if b := balance(t, s, tok); b != 25 {
		t.Fatalf("balance: got %d, want 25", b)
	}

	resp, _ := s.do(t, http.MethodPost, "/v1/webhooks/stripe", "", payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned webhook: expected 400, got %d", resp.StatusCode)
	}
}

func TestEndToEnd_AdminGrant(t *testing.T) {
	s := newTestServer(t, 10)
	user := uuid.New()
	userTok := token(t, user, false)
	_ = balance(t, s, userTok)
	grant := fmt.Sprintf(`{"account_id":%q,"amount":10,"description":"support"}`, user)

	resp, _ := s.do(t, http.MethodPost, "/v1/admin/credits", userTok, grant)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", resp.StatusCode)
	}

	adminID := uuid.New()
	adminTok := token(t, adminID, false)
	_ = balance(t, s, adminTok)
	if err := s.store.SetAdmin(adminID, true); err != nil {
		t.Fatal(err)
	}
	resp, body := s.do(t, http.MethodPost, "/v1/admin/credits", adminTok, grant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin grant: %d %v", resp.StatusCode, body)
	}
	if b := balance(t, s, userTok); b != 15 {
		t.Fatalf("balance: got %d, want 15", b)
	}
}

func TestRouter_UnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(t, 10)
	resp, _ := s.do(t, http.MethodGet, "/v1/nope", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodDelete, "/healthz", "", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
