// Package generation turns one paid request into several parallel model
// calls and reconciles the outcome with the ledger.
//
// Credits are deducted before any model call is made. Units that fail are
// refunded individually once every call has returned, and the batch keeps
// running when the caller goes away so that no deducted credit is stranded.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/catalog"
	"github.com/pawhero/backend/internal/models"
)

const (
	MinCount = 1
	MaxCount = 10

	DefaultMaxParallel  = 10
	DefaultCallTimeout  = 2 * time.Minute
	DefaultBatchTimeout = 3 * time.Minute

	deductTimeout = 15 * time.Second
	refundTimeout = 15 * time.Second
)

var errNoOutput = errors.New("model returned no image")

// Catalog resolves a style id.
type Catalog interface {
	GetByID(ctx context.Context, id string) (*catalog.Style, error)
}

// ImageGenerator produces images for one prompt. Each call asks for one image.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, sourceImageURL string) ([]string, error)
}

// CreditLedger is the subset of the ledger the orchestrator needs.
type CreditLedger interface {
	Deduct(ctx context.Context, id uuid.UUID, amount int, description string) (*models.LedgerEntry, error)
	AddOnce(ctx context.Context, reference string, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, bool, error)
}

type HistoryStore interface {
	Save(ctx context.Context, h *models.EditHistory) error
}

// Refund is a credit owed back to an account, keyed by an idempotency reference.
type Refund struct {
	AccountID   uuid.UUID `json:"account_id"`
	Amount      int       `json:"amount"`
	Reference   string    `json:"reference"`
	Description string    `json:"description"`
}

// RefundQueue durably retries refunds that could not be committed inline.
type RefundQueue interface {
	EnqueueRefund(ctx context.Context, r Refund) error
}

type Request struct {
	AccountID      uuid.UUID
	StyleID        string
	SourceImageURL string
	Count          int
}

type Result struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Images       []string  `json:"images"`
	CostCharged  int       `json:"cost_charged"`
	CostRefunded int       `json:"cost_refunded"`
	// RefundPending is set when the refund was handed to the queue instead of
	// being committed inline.
	RefundPending bool `json:"refund_pending,omitempty"`
}

// Delivered reports whether at least one image came back.
func (r *Result) Delivered() bool { return len(r.Images) > 0 }

type Deps struct {
	Catalog Catalog
	Images  ImageGenerator
	Ledger  CreditLedger
	History HistoryStore
	Refunds RefundQueue // optional
}

type Config struct {
	MaxParallel  int
	CallTimeout  time.Duration
	BatchTimeout time.Duration
}

type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Orchestrator)

// WithRand fixes the source used to pick scenes.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

func New(deps Deps, cfg Config, log *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		deps: deps,
		cfg:  cfg,
		log:  log,
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Count < MinCount || req.Count > MaxCount {
		return nil, apperr.Invalid("count must be between %d and %d", MinCount, MaxCount)
	}
	if strings.TrimSpace(req.SourceImageURL) == "" {
		return nil, apperr.Invalid("image_url is required")
	}
	style, err := o.deps.Catalog.GetByID(ctx, req.StyleID)
	if errors.Is(err, catalog.ErrStyleNotFound) {
		return nil, apperr.NotFound("style not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup style %q: %w", req.StyleID, err)
	}
	prompts := o.prompts(style, req.Count)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	genID := uuid.New()
	log := o.log.With("generation_id", genID, "account_id", req.AccountID)

	// A deduct that commits must be seen as committed, so the caller going
	// away cannot interrupt it.
	detached := context.WithoutCancel(ctx)
	dctx, cancel := context.WithTimeout(detached, deductTimeout)
	_, err = o.deps.Ledger.Deduct(dctx, req.AccountID, req.Count,
		fmt.Sprintf("generate %d x %s", req.Count, style.ID))
	cancel()
	if err != nil {
		return nil, err
	}

	// Paid for: from here on the batch outlives the caller.
	images, failures := o.fanOut(detached, log, prompts, req.SourceImageURL)

	res := &Result{GenerationID: genID, Images: images, CostCharged: req.Count}
	if failures > 0 {
		switch o.refund(detached, log, Refund{
			AccountID:   req.AccountID,
			Amount:      failures,
			Reference:   fmt.Sprintf("generation:%s:refund", genID),
			Description: fmt.Sprintf("refund %d failed of %d x %s", failures, req.Count, style.ID),
		}) {
		case refundCommitted:
			res.CostCharged, res.CostRefunded = req.Count-failures, failures
		case refundQueued:
			res.CostCharged, res.CostRefunded = req.Count-failures, failures
			res.RefundPending = true
		case refundLost:
			log.Error("refund not recorded, full cost stands", "owed", failures)
		}
	}

	h := &models.EditHistory{
		ID:         genID,
		AccountID:  req.AccountID,
		StyleID:    style.ID,
		Prompt:     strings.Join(prompts, "\n"),
		InputURLs:  []string{req.SourceImageURL},
		OutputURLs: images,
		Cost:       res.CostCharged,
	}
	if err := o.deps.History.Save(detached, h); err != nil {
		log.Error("failed to save edit history", "error", err)
	}

	log.Info("generation finished",
		"requested", req.Count, "delivered", len(images), "failed", failures,
		"cost_charged", res.CostCharged, "cost_refunded", res.CostRefunded)
	return res, nil
}

// fanOut runs one model call per prompt and waits for all of them. A failed
// or timed-out call counts as one failure; it never cancels its siblings.
func (o *Orchestrator) fanOut(ctx context.Context, log *slog.Logger, prompts []string, source string) ([]string, int) {
	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchTimeout)
	defer cancel()

	outputs := make([]string, len(prompts))
	errs := make([]error, len(prompts))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallel)
	for i, prompt := range prompts {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(batchCtx, o.cfg.CallTimeout)
			defer cancel()
			urls, err := o.deps.Images.Generate(callCtx, prompt, source)
			switch {
			case err != nil:
				errs[i] = err
			case len(urls) == 0:
				errs[i] = errNoOutput
			default:
				outputs[i] = urls[0]
			}
			return nil
		})
	}
	_ = g.Wait()

	images := make([]string, 0, len(prompts))
	failures := 0
	for i, err := range errs {
		if err != nil {
			failures++
			log.Warn("model call failed", "unit", i, "error", err)
			continue
		}
		images = append(images, outputs[i])
	}
	return images, failures
}

type refundOutcome int

const (
	refundCommitted refundOutcome = iota
	refundQueued
	refundLost
)

// refund credits back the undelivered units. When the ledger cannot commit,
// the refund goes to the queue under the same reference. refundLost means
// neither happened and the ledger still holds the full deduction.
func (o *Orchestrator) refund(ctx context.Context, log *slog.Logger, r Refund) refundOutcome {
	rctx, cancel := context.WithTimeout(ctx, refundTimeout)
	defer cancel()
	_, _, err := o.deps.Ledger.AddOnce(rctx, r.Reference, r.AccountID, r.Amount, models.EntryRefund, r.Description)
	if err == nil {
		return refundCommitted
	}
	log.Error("inline refund failed", "amount", r.Amount, "reference", r.Reference, "error", err)
	if o.deps.Refunds == nil {
		return refundLost
	}
	if qerr := o.deps.Refunds.EnqueueRefund(rctx, r); qerr != nil {
		log.Error("failed to enqueue refund", "amount", r.Amount, "reference", r.Reference, "error", qerr)
		return refundLost
	}
	return refundQueued
}

// prompts builds count distinct prompts. Scenes are shuffled once; when count
// exceeds the scene list they are reused with a variant tag.
func (o *Orchestrator) prompts(style *catalog.Style, count int) []string {
	o.rngMu.Lock()
	order := o.rng.Perm(len(style.Scenes))
	o.rngMu.Unlock()

	out := make([]string, count)
	for i := range out {
		scene := style.Scenes[order[i%len(order)]]
		if i >= len(order) {
			scene = fmt.Sprintf("%s, variant %d", scene, i/len(order)+1)
		}
		out[i] = style.Prompt(scene)
	}
	return out
}
