package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/catalog"
	"github.com/pawhero/backend/internal/generation"
	"github.com/pawhero/backend/internal/middleware"
	"github.com/pawhero/backend/internal/models"
	"github.com/pawhero/backend/internal/webhook"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockLedger struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	limit   int
	added   []*models.LedgerEntry
	addErr  error
}

func (m *mockLedger) Entries(_ context.Context, _ uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return m.entries, nil
}

func (m *mockLedger) Add(_ context.Context, id uuid.UUID, amount int, kind models.EntryKind, desc string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	e := &models.LedgerEntry{ID: uuid.New(), AccountID: id, Kind: kind, Amount: amount, Description: desc}
	m.added = append(m.added, e)
	return e, nil
}

type mockGenerator struct {
	res *generation.Result
	err error
	got generation.Request
}

func (m *mockGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	m.got = req
	return m.res, m.err
}

type mockReconciler struct {
	outcome webhook.Outcome
	err     error
	sig     string
}

func (m *mockReconciler) Handle(_ context.Context, _ []byte, sig string) (webhook.Outcome, error) {
	m.sig = sig
	return m.outcome, m.err
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func withAccount(r *http.Request, acc *models.Account) *http.Request {
	return r.WithContext(middleware.WithAccount(r.Context(), acc))
}

func newAccount() *models.Account {
	return &models.Account{ID: uuid.New(), Email: "rex@example.com", CreditBalance: 5}
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func TestGetMe(t *testing.T) {
	api := &API{}
	acc := newAccount()
	rec := httptest.NewRecorder()
	api.GetMe(rec, withAccount(httptest.NewRequest(http.MethodGet, "/v1/me", nil), acc))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got models.Account
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != acc.ID || got.CreditBalance != 5 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.GetMe(rec, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without account: expected 401, got %d", rec.Code)
	}
}

func TestListLedger_Limit(t *testing.T) {
	l := &mockLedger{}
	api := &API{Ledger: l}
	acc := newAccount()

	cases := []struct {
		query  string
		status int
		limit  int
	}{
		{"", http.StatusOK, defaultListLimit},
		{"?limit=3", http.StatusOK, 3},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
		{"?limit=1000", http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		l.limit = 0
		rec := httptest.NewRecorder()
		api.ListLedger(rec, withAccount(httptest.NewRequest(http.MethodGet, "/v1/credits/ledger"+tc.query, nil), acc))
		if rec.Code != tc.status {
			t.Fatalf("%q: expected %d, got %d", tc.query, tc.status, rec.Code)
		}
		if l.limit != tc.limit {
			t.Fatalf("%q: limit passed %d, want %d", tc.query, l.limit, tc.limit)
		}
	}
}

func TestListStyles(t *testing.T) {
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	(&API{Styles: cat}).ListStyles(rec, httptest.NewRequest(http.MethodGet, "/v1/styles", nil))
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "{scene}") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	ok := &API{Health: []Pinger{pingerFunc(func(context.Context) error { return nil })}}
	rec := httptest.NewRecorder()
	ok.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	down := &API{Health: []Pinger{pingerFunc(func(context.Context) error { return errors.New("down") })}}
	rec = httptest.NewRecorder()
	down.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func postGenerate(api *API, acc *models.Account, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(body))
	api.Generate(rec, withAccount(req, acc))
	return rec
}

func TestGenerate_Success(t *testing.T) {
	gen := &mockGenerator{res: &generation.Result{
		GenerationID: uuid.New(), Images: []string{"a", "b"}, CostCharged: 2, CostRefunded: 1,
	}}
	acc := newAccount()
	rec := postGenerate(&API{Generator: gen}, acc, `{"style_id":"caped","image_url":"u","count":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gen.got.AccountID != acc.ID || gen.got.Count != 3 || gen.got.StyleID != "caped" || gen.got.SourceImageURL != "u" {
		t.Fatalf("request not forwarded: %+v", gen.got)
	}
	var got generation.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got.Images) != 2 || got.CostCharged != 2 || got.CostRefunded != 1 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestGenerate_AllFailedIsUpstreamFailure(t *testing.T) {
	gen := &mockGenerator{res: &generation.Result{GenerationID: uuid.New(), CostRefunded: 4}}
	rec := postGenerate(&API{Generator: gen}, newAccount(), `{"style_id":"caped","image_url":"u","count":4}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body generateFailure
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Kind != apperr.KindUpstreamFailure || body.CostRefunded != 4 || body.CostCharged != 0 || body.Images == nil {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if !strings.Contains(body.Error.Message, "refunded") {
		t.Errorf("message: %q", body.Error.Message)
	}
}

func TestGenerate_AllFailedWithUnrecordedRefund(t *testing.T) {
	gen := &mockGenerator{res: &generation.Result{GenerationID: uuid.New(), CostCharged: 4}}
	rec := postGenerate(&API{Generator: gen}, newAccount(), `{"style_id":"caped","image_url":"u","count":4}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body generateFailure
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.CostCharged != 4 || body.CostRefunded != 0 || strings.Contains(body.Error.Message, "were refunded") {
		t.Fatalf("body must not claim a refund: %s", rec.Body.String())
	}
}

func TestGenerate_TypedErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.Insufficient(5, nil), http.StatusPaymentRequired},
		{apperr.NotFound("style not found", nil), http.StatusNotFound},
		{apperr.Invalid("bad"), http.StatusBadRequest},
		{apperr.Storage(errors.New("conn refused")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := postGenerate(&API{Generator: &mockGenerator{err: tc.err}}, newAccount(), `{"style_id":"a","image_url":"u","count":1}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "conn refused") || strings.Contains(rec.Body.String(), "boom") {
			t.Fatalf("internal detail leaked: %s", rec.Body.String())
		}
	}
}

// ---------------------------------------------------------------------------
// Webhook / admin
// ---------------------------------------------------------------------------

func TestStripeWebhook(t *testing.T) {
	rc := &mockReconciler{outcome: webhook.OutcomeDuplicate}
	api := &API{Webhooks: rc}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set(webhook.SignatureHeader, "t=1,v1=ab")
	rec := httptest.NewRecorder()
	api.StripeWebhook(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"duplicate"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if rc.sig != "t=1,v1=ab" {
		t.Fatalf("signature not forwarded: %q", rc.sig)
	}

	rc.err = apperr.Invalid("invalid signature")
	rec = httptest.NewRecorder()
	api.StripeWebhook(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("rejected event: expected 400, got %d", rec.Code)
	}
}

func TestGrantCredits(t *testing.T) {
	l := &mockLedger{}
	api := &API{Ledger: l}
	admin := newAccount()
	target := uuid.New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/credits",
		strings.NewReader(`{"account_id":"`+target.String()+`","amount":7}`))
	api.GrantCredits(rec, withAccount(req, admin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(l.added) != 1 || l.added[0].AccountID != target || l.added[0].Kind != models.EntryBonus || l.added[0].Amount != 7 {
		t.Fatalf("unexpected grant %+v", l.added)
	}

	l.addErr = apperr.NotFound("account not found", nil)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/credits",
		strings.NewReader(`{"account_id":"`+uuid.NewString()+`","amount":7}`))
	api.GrantCredits(rec, withAccount(req, admin))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account: expected 404, got %d", rec.Code)
	}
}
