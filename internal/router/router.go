package router

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"github.com/pawhero/backend/internal/auth"
	"github.com/pawhero/backend/internal/handlers"
	"github.com/pawhero/backend/internal/middleware"
	"github.com/pawhero/backend/internal/ratelimit"
	"github.com/pawhero/backend/internal/schema"
)

type Deps struct {
	API       *handlers.API
	Verifier  auth.Verifier
	Accounts  middleware.AccountOpener
	Validator *schema.Validator

	// Limiter backs both policies. IP applies to every /v1 route except the
	// payment webhook; User applies to generation only.
	Limiter ratelimit.Limiter
	IP      ratelimit.Policy
	User    ratelimit.Policy

	// TrustedProxies are the peers allowed to name the client in X-Forwarded-For.
	TrustedProxies []netip.Prefix

	Logger *slog.Logger
}

// New wires the HTTP surface:
//
//	GET  /healthz
//	POST /v1/webhooks/stripe
//	GET  /v1/styles                 IP limit
//	GET  /v1/me                     IP limit, auth
//	GET  /v1/credits/ledger         IP limit, auth
//	GET  /v1/history                IP limit, auth
//	POST /v1/generate               IP limit, auth, user limit, schema
//	POST /v1/admin/credits          IP limit, auth, admin, schema
func New(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	api := d.API

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)
	r.Use(logRequests(log))

	r.HandleFunc("/healthz", api.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/webhooks/stripe", api.StripeWebhook).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(ratelimit.Middleware(d.Limiter, d.IP, ratelimit.ByIP(d.TrustedProxies)))
	v1.HandleFunc("/styles", api.ListStyles).Methods(http.MethodGet)

	authed := v1.NewRoute().Subrouter()
	authed.Use(middleware.Authenticate(d.Verifier, d.Accounts, log))
	authed.HandleFunc("/me", api.GetMe).Methods(http.MethodGet)
	authed.HandleFunc("/credits/ledger", api.ListLedger).Methods(http.MethodGet)
	authed.HandleFunc("/history", api.ListHistory).Methods(http.MethodGet)

	userLimit := ratelimit.Middleware(d.Limiter, d.User, middleware.ByAccount)
	authed.Handle("/generate",
		userLimit(middleware.ValidateBody(d.Validator, schema.Generate)(http.HandlerFunc(api.Generate))),
	).Methods(http.MethodPost)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.Handle("/credits",
		middleware.ValidateBody(d.Validator, schema.Grant)(http.HandlerFunc(api.GrantCredits)),
	).Methods(http.MethodPost)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			log.Info("http request",
				"method", r.Method, "route", route, "status", rec.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}
