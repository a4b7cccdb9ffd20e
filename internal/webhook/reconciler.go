// Package webhook turns verified payment-provider events into ledger
// operations. Each event id is applied at most once.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/models"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventChargeRefunded    = "charge.refunded"
	EventDisputeCreated    = "charge.dispute.created"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// EventStore de-duplicates provider event ids.
type EventStore interface {
	// Claim records eventID and reports false if it was already recorded.
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// PurchaseStore remembers applied purchases so that refunds and disputes,
// which carry only the payment reference, can be traced to an account.
type PurchaseStore interface {
	// Record is idempotent on the payment intent id.
	Record(ctx context.Context, p *models.Purchase) error
	// Lookup returns nil, nil for an unknown payment intent.
	Lookup(ctx context.Context, paymentIntentID string) (*models.Purchase, error)
}

// CreditLedger is what the reconciler needs from the ledger. It never deducts
// strictly; disputes use DeductAtMost.
type CreditLedger interface {
	AddOnce(ctx context.Context, reference string, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, bool, error)
	DeductAtMost(ctx context.Context, reference string, id uuid.UUID, amount int, description string) (int, error)
}

type Reconciler struct {
	secret    string
	tolerance time.Duration
	events    EventStore
	purchases PurchaseStore
	ledger    CreditLedger
	now       func() time.Time
	log       *slog.Logger
}

func NewReconciler(secret string, events EventStore, purchases PurchaseStore, ledger CreditLedger, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		secret:    secret,
		tolerance: DefaultTolerance,
		events:    events,
		purchases: purchases,
		ledger:    ledger,
		now:       time.Now,
		log:       log,
	}
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// paymentObject covers the fields read from checkout sessions, charges and
// disputes.
type paymentObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	Charge            string            `json:"charge"`
	Metadata          map[string]string `json:"metadata"`
}

// chargeID is the charge a refund or dispute belongs to.
func (o paymentObject) chargeID() string {
	if o.Charge != "" {
		return o.Charge
	}
	return o.ID
}

// Handle verifies the signature before reading the payload, then applies the
// event. Replays of an applied event are reported as duplicate.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if err := VerifySignature(payload, signature, r.secret, r.now(), r.tolerance); err != nil {
		r.log.Warn("webhook signature rejected", "error", err)
		return "", &apperr.Error{Kind: apperr.KindInvalidRequest, Message: "invalid signature", Err: err}
	}
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" || ev.Type == "" {
		return "", apperr.Invalid("malformed event")
	}
	log := r.log.With("event_id", ev.ID, "event_type", ev.Type)

	switch ev.Type {
	case EventCheckoutCompleted, EventChargeRefunded, EventDisputeCreated:
	default:
		log.Info("ignoring webhook event")
		return OutcomeIgnored, nil
	}

	var obj paymentObject
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil || obj.ID == "" {
		return "", apperr.Invalid("malformed event object")
	}
	if ev.Type == EventCheckoutCompleted && obj.PaymentStatus != "" && obj.PaymentStatus != "paid" {
		log.Info("ignoring unpaid checkout", "payment_status", obj.PaymentStatus)
		return OutcomeIgnored, nil
	}
	var target *models.Purchase
	if ev.Type == EventCheckoutCompleted {
		accountID, credits, err := parseMetadata(obj)
		if err != nil {
			return "", apperr.Invalid("%s", err.Error())
		}
		target = &models.Purchase{PaymentIntentID: obj.PaymentIntent, AccountID: accountID, Credits: credits}
	} else {
		p, err := r.resolve(ctx, obj)
		if err != nil {
			return "", err
		}
		if p == nil {
			log.Warn("no purchase matches reversal, ignoring",
				"payment_intent", obj.PaymentIntent, "charge", obj.chargeID())
			return OutcomeIgnored, nil
		}
		target = p
	}

	claimed, err := r.events.Claim(ctx, ev.ID, ev.Type)
	if err != nil {
		return "", apperr.Storage(fmt.Errorf("claim event: %w", err))
	}
	if !claimed {
		log.Info("duplicate webhook event")
		return OutcomeDuplicate, nil
	}

	if err := r.apply(ctx, log, ev.Type, obj, target); err != nil {
		if rerr := r.events.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
			log.Error("failed to release event claim", "error", rerr)
		}
		return "", err
	}
	return OutcomeAccepted, nil
}

// resolve finds the purchase a refund or dispute reverses: by payment intent
// first, then by metadata the payment carried. nil means no match.
func (r *Reconciler) resolve(ctx context.Context, obj paymentObject) (*models.Purchase, error) {
	if obj.PaymentIntent != "" {
		p, err := r.purchases.Lookup(ctx, obj.PaymentIntent)
		if err != nil {
			return nil, apperr.Storage(fmt.Errorf("lookup purchase: %w", err))
		}
		if p != nil {
			return p, nil
		}
	}
	accountID, credits, err := parseMetadata(obj)
	if err != nil {
		return nil, nil
	}
	return &models.Purchase{PaymentIntentID: obj.PaymentIntent, AccountID: accountID, Credits: credits}, nil
}

func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, typ string, obj paymentObject, p *models.Purchase) error {
	log = log.With("account_id", p.AccountID)
	switch typ {
	case EventCheckoutCompleted:
		_, applied, err := r.ledger.AddOnce(ctx, "stripe:"+obj.ID, p.AccountID, p.Credits, models.EntryPurchase,
			fmt.Sprintf("purchase %d credits", p.Credits))
		if err != nil {
			return err
		}
		if p.PaymentIntentID != "" {
			if err := r.purchases.Record(ctx, p); err != nil {
				return apperr.Storage(fmt.Errorf("record purchase: %w", err))
			}
		}
		log.Info("credits purchased", "credits", p.Credits, "applied", applied)
	default:
		// Refund and dispute of one payment reverse it once between them.
		key := p.PaymentIntentID
		if key == "" {
			key = obj.chargeID()
		}
		n, err := r.ledger.DeductAtMost(ctx, "stripe:reversal:"+key, p.AccountID, p.Credits,
			fmt.Sprintf("%s %s", typ, obj.ID))
		if err != nil {
			return err
		}
		log.Info("credits reversed", "requested", p.Credits, "deducted", n)
	}
	return nil
}

var errMissingMetadata = errors.New("event metadata must carry user_id and credits")

func parseMetadata(obj paymentObject) (uuid.UUID, int, error) {
	rawID := obj.Metadata["user_id"]
	if rawID == "" {
		rawID = obj.ClientReferenceID
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, 0, errMissingMetadata
	}
	credits, err := strconv.Atoi(obj.Metadata["credits"])
	if err != nil || credits <= 0 {
		return uuid.Nil, 0, errMissingMetadata
	}
	return id, credits, nil
}
