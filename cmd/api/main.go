package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pawhero/backend/internal/auth"
	"github.com/pawhero/backend/internal/catalog"
	"github.com/pawhero/backend/internal/config"
	"github.com/pawhero/backend/internal/generation"
	"github.com/pawhero/backend/internal/handlers"
	"github.com/pawhero/backend/internal/jobs"
	"github.com/pawhero/backend/internal/ledger"
	"github.com/pawhero/backend/internal/ratelimit"
	"github.com/pawhero/backend/internal/repository"
	"github.com/pawhero/backend/internal/router"
	"github.com/pawhero/backend/internal/schema"
	"github.com/pawhero/backend/internal/upstream"
	"github.com/pawhero/backend/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

// storage is everything that differs between the postgres and memory backends.
type storage struct {
	ledgerStore ledger.Store
	history     interface {
		generation.HistoryStore
		handlers.HistoryLister
	}
	events    webhook.EventStore
	purchases webhook.PurchaseStore
	health    []handlers.Pinger
	start     func(ctx context.Context, l *ledger.Ledger) (generation.RefundQueue, error)
	cleanup   func()
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	proxies, err := ratelimit.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	styles, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return err
	}

	var st *storage
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		st, err = openPostgres(ctx, cfg, logger)
	default:
		slog.Warn("Using in-memory storage; balances are lost on restart")
		st = openMemory()
	}
	if err != nil {
		return err
	}
	defer st.cleanup()

	l := ledger.New(st.ledgerStore, cfg.InitialCredits, logger)
	refunds, err := st.start(ctx, l)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		rl, err := ratelimit.NewRedis(cfg.RateLimit.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rl.Close()
		st.health = append(st.health, rl)
		limiter = rl
	default:
		ml := ratelimit.NewMemory(ratelimit.WithLogger(logger))
		go ml.Run(ctx, cfg.RateLimit.Sweep)
		limiter = ml
	}

	fal := upstream.NewFalClient(upstream.FalConfig{
		BaseURL: cfg.Fal.BaseURL,
		Model:   cfg.Fal.Model,
		APIKey:  cfg.Fal.APIKey,
		Timeout: cfg.Generation.CallTimeout,
	}, logger)

	orch := generation.New(generation.Deps{
		Catalog: styles,
		Images:  fal,
		Ledger:  l,
		History: st.history,
		Refunds: refunds,
	}, generation.Config{
		MaxParallel:  cfg.Generation.MaxParallel,
		CallTimeout:  cfg.Generation.CallTimeout,
		BatchTimeout: cfg.Generation.BatchTimeout,
	}, logger)

	api := &handlers.API{
		Ledger:    l,
		Generator: orch,
		Styles:    styles,
		History:   st.history,
		Webhooks:  webhook.NewReconciler(cfg.WebhookSecret, st.events, st.purchases, l, logger),
		Health:    st.health,
		Logger:    logger,
	}
	h := router.New(router.Deps{
		API:            api,
		Verifier:       auth.NewJWTVerifier(cfg.JWTSecret),
		Accounts:       l,
		Validator:      validator,
		Limiter:        limiter,
		IP:             ratelimit.Policy{Name: "ip", Max: cfg.RateLimit.IPLimit, Window: cfg.RateLimit.IPWindow},
		User:           ratelimit.Policy{Name: "user", Max: cfg.RateLimit.UserLimit, Window: cfg.RateLimit.UserWindow},
		TrustedProxies: proxies,
		Logger:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
	}).Handler(h)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "storage", cfg.StorageBackend, "rate_limit", cfg.RateLimit.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}
	// In-flight generations finish and reconcile before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Generation.BatchTimeout+30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Migrations applied")

	events := repository.NewPaymentEventRepo(pool)
	st := &storage{
		ledgerStore: ledger.NewPostgresStore(pool, repository.NewAccountRepo(pool), repository.NewCreditRepo(pool)),
		history:     repository.NewHistoryRepo(pool),
		events:      events,
		purchases:   repository.NewPurchaseRepo(pool),
		health:      []handlers.Pinger{pool},
	}
	var riverClient *river.Client[pgx.Tx]
	st.start = func(ctx context.Context, l *ledger.Ledger) (generation.RefundQueue, error) {
		workers := jobs.Workers(
			jobs.NewRefundCreditsWorker(l, logger),
			jobs.NewPurgePaymentEventsWorker(events, logger),
		)
		client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: 10},
			},
			Workers:      workers,
			PeriodicJobs: []*river.PeriodicJob{jobs.PurgePaymentEventsPeriodic()},
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Start(ctx); err != nil {
			return nil, err
		}
		riverClient = client
		return jobs.NewRiverQueue(client, logger), nil
	}
	st.cleanup = func() {
		if riverClient != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				slog.Error("River client stop", "error", err)
			}
		}
		pool.Close()
	}
	return st, nil
}

func openMemory() *storage {
	return &storage{
		ledgerStore: ledger.NewMemoryStore(),
		history:     generation.NewMemoryHistory(),
		events:      webhook.NewMemoryEventStore(),
		purchases:   webhook.NewMemoryPurchaseStore(),
		start: func(context.Context, *ledger.Ledger) (generation.RefundQueue, error) {
			return nil, nil
		},
		cleanup: func() {},
	}
}
