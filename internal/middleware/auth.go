package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/auth"
	"github.com/pawhero/backend/internal/models"
)

type contextKey string

const (
	ctxAccountKey  contextKey = "account"
	ctxIdentityKey contextKey = "identity"
)

// AccountOpener returns the account for a verified user, creating it on
// first access.
type AccountOpener interface {
	Open(ctx context.Context, id uuid.UUID, email string) (*models.Account, error)
}

// Authenticate verifies the Bearer token and loads (or creates) the caller's
// account into the request context.
func Authenticate(v auth.Verifier, accounts AccountOpener, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				apperr.WriteHTTP(w, apperr.Unauthorized("missing or malformed Authorization header"))
				return
			}
			id, err := v.Verify(r.Context(), raw)
			if err != nil {
				log.Debug("token rejected", "error", err)
				apperr.WriteHTTP(w, apperr.Unauthorized("invalid token"))
				return
			}
			acc, err := accounts.Open(r.Context(), id.UserID, id.Email)
			if err != nil {
				log.Error("open account", "account_id", id.UserID, "error", err)
				apperr.WriteHTTP(w, err)
				return
			}
			ctx := WithAccount(r.Context(), acc)
			ctx = context.WithValue(ctx, ctxIdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers that are neither flagged admin on their
// account nor carry the admin role in their token.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := AccountFromCtx(r.Context())
		if acc == nil {
			apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
			return
		}
		id := IdentityFromCtx(r.Context())
		if !acc.IsAdmin && (id == nil || !id.IsAdmin) {
			apperr.WriteHTTP(w, apperr.Forbidden("admin only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByAccount keys the rate limiter on the authenticated account. It must run
// after Authenticate; without an account the check is skipped.
func ByAccount(r *http.Request) string {
	acc := AccountFromCtx(r.Context())
	if acc == nil {
		return ""
	}
	return "user:" + acc.ID.String()
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

// IdentityFromCtx returns the verified token identity or nil.
func IdentityFromCtx(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*auth.Identity)
	return id
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
