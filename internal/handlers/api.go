package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/catalog"
	"github.com/pawhero/backend/internal/generation"
	"github.com/pawhero/backend/internal/middleware"
	"github.com/pawhero/backend/internal/models"
	"github.com/pawhero/backend/internal/webhook"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxWebhookBytes  = 1 << 20
)

// Ledger is the subset of the credit ledger the handlers need.
type Ledger interface {
	Entries(ctx context.Context, id uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Add(ctx context.Context, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, error)
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
}

type StyleLister interface {
	List() []*catalog.Style
}

type HistoryLister interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.EditHistory, error)
}

type WebhookReconciler interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API serves the /v1 endpoints. Authentication, rate limiting and body
// validation run as middleware before these handlers.
type API struct {
	Ledger    Ledger
	Generator Generator
	Styles    StyleLister
	History   HistoryLister
	Webhooks  WebhookReconciler
	Health    []Pinger
	Logger    *slog.Logger
}

func (a *API) log() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// --- GET /healthz ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	for _, p := range a.Health {
		if err := p.Ping(r.Context()); err != nil {
			a.log().Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- GET /v1/styles ---

type styleResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Scenes int    `json:"scenes"`
}

func (a *API) ListStyles(w http.ResponseWriter, _ *http.Request) {
	styles := a.Styles.List()
	out := make([]styleResponse, 0, len(styles))
	for _, s := range styles {
		out = append(out, styleResponse{ID: s.ID, Name: s.Name, Scenes: len(s.Scenes)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"styles": out})
}

// --- GET /v1/me ---

func (a *API) GetMe(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- GET /v1/credits/ledger ---

func (a *API) ListLedger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	entries, err := a.Ledger.Entries(r.Context(), acc.ID, limit)
	if err != nil {
		a.log().Error("list ledger", "account_id", acc.ID, "error", err)
		apperr.WriteHTTP(w, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- GET /v1/history ---

func (a *API) ListHistory(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	list, err := a.History.ListByAccountID(r.Context(), acc.ID, limit)
	if err != nil {
		a.log().Error("list history", "account_id", acc.ID, "error", err)
		apperr.WriteHTTP(w, apperr.Storage(err))
		return
	}
	if list == nil {
		list = []*models.EditHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": list})
}

// --- POST /v1/generate ---

type generateRequest struct {
	StyleID  string `json:"style_id"`
	ImageURL string `json:"image_url"`
	Count    int    `json:"count"`
}

type generateFailure struct {
	Error        errorPayload `json:"error"`
	GenerationID uuid.UUID    `json:"generation_id"`
	Images       []string     `json:"images"`
	CostCharged  int          `json:"cost_charged"`
	CostRefunded int          `json:"cost_refunded"`
}

type errorPayload struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// upstreamFailure describes a batch that delivered nothing, saying what
// happened to the charge.
func upstreamFailure(res *generation.Result) *apperr.Error {
	switch {
	case res.RefundPending:
		return apperr.Upstream("image generation failed; refund is pending", nil)
	case res.CostRefunded > 0:
		return apperr.Upstream("image generation failed; credits were refunded", nil)
	default:
		return apperr.Upstream("image generation failed; refund could not be recorded", nil)
	}
}

// Generate handles POST /v1/generate.
// Auth -> user limit -> schema (via middleware) -> orchestrator.
func (a *API) Generate(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("invalid JSON body"))
		return
	}
	res, err := a.Generator.Generate(r.Context(), generation.Request{
		AccountID:      acc.ID,
		StyleID:        req.StyleID,
		SourceImageURL: req.ImageURL,
		Count:          req.Count,
	})
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			a.log().Error("generate", "account_id", acc.ID, "error", err)
		}
		apperr.WriteHTTP(w, err)
		return
	}
	if res.Images == nil {
		res.Images = []string{}
	}
	if !res.Delivered() {
		e := upstreamFailure(res)
		writeJSON(w, apperr.HTTPStatus(e.Kind), generateFailure{
			Error:        errorPayload{Kind: e.Kind, Message: e.Message},
			GenerationID: res.GenerationID,
			Images:       res.Images,
			CostCharged:  res.CostCharged,
			CostRefunded: res.CostRefunded,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /v1/webhooks/stripe ---

func (a *API) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("failed to read body"))
		return
	}
	outcome, err := a.Webhooks.Handle(r.Context(), payload, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInvalidRequest {
			a.log().Error("webhook", "error", err)
		}
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

// --- POST /v1/admin/credits ---

type grantRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

func (a *API) GrantCredits(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	if admin == nil {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("invalid JSON body"))
		return
	}
	target, err := uuid.Parse(req.AccountID)
	if err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("account_id must be a uuid"))
		return
	}
	if req.Description == "" {
		req.Description = "admin grant"
	}
	entry, err := a.Ledger.Add(r.Context(), target, req.Amount, models.EntryBonus, req.Description)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	a.log().Info("credits granted", "admin_id", admin.ID, "account_id", target, "amount", req.Amount)
	writeJSON(w, http.StatusCreated, entry)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, apperr.Invalid("limit must be between 1 and %d", maxListLimit)
	}
	return n, nil
}

// NotFound and MethodNotAllowed keep router-level errors in the typed body.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	apperr.WriteHTTP(w, apperr.NotFound("route not found", nil))
}

func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]errorPayload{
		"error": {Kind: apperr.KindInvalidRequest, Message: "method not allowed"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
