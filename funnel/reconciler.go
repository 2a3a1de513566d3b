// Package funnel reconciles out-of-order and duplicate conversion signals
// into one attribution record per visitor funnel.
//
// A funnel moves NEW -> VIEWED -> CHECKOUT_OPENED -> PURCHASED, but signals
// can arrive in any order, so transitions are modelled as monotonic field
// merges: booleans only flip to true and a later signal never clears what an
// earlier one set. A purchased record is terminal for new funnels; view and
// checkout signals that belong to it but arrive after the purchase are still
// folded into it.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"conteo/collector/config"
	"conteo/collector/models"
)

// Defaults applied to newly created records.
const (
	UnknownProduct = "Unknown"
	DirectSource   = "Direct"
)

// DefaultLateArrivalWindow bounds how long after a purchase a missing view or
// checkout signal is still attributed to the purchased record.
const DefaultLateArrivalWindow = 30 * time.Minute

// ErrUnknownEventType is returned for signals outside the funnel.
var ErrUnknownEventType = errors.New("unknown conversion event type")

// Outcome reports what a signal did to the store.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeIgnored Outcome = "ignored"
)

// Intent is one conversion signal for a site and visitor.
type Intent struct {
	SiteID      string
	VisitorID   string
	Type        models.ConversionEventType
	ProductID   string
	ProductName string
	ProductPage string
	Value       *float64
	Currency    string
	Source      string
}

// Candidates are the records a signal may merge into. Latest is the most
// recent record in any state; LatestOpen is the most recent non-purchased one.
type Candidates struct {
	Latest     *models.ConversionRecord
	LatestOpen *models.ConversionRecord
}

// MergeFunc computes the record to persist from the current candidates.
// insert is true when the result is a new record rather than an update of
// an existing one (matched by ID).
type MergeFunc func(c Candidates) (rec models.ConversionRecord, insert bool)

// Store is the atomic read-modify-write primitive over conversion records.
// Implementations must hold a per (site, visitor) lock across loading the
// candidates, calling merge and writing the result.
type Store interface {
	MergeConversion(ctx context.Context, siteID, visitorID string, merge MergeFunc) (inserted bool, err error)
}

// Config controls reconciler behaviour.
type Config struct {
	// Mode is config.ConversionModeFull or config.ConversionModePurchaseOnly.
	Mode              string
	DefaultCurrency   string
	LateArrivalWindow time.Duration
}

// Reconciler applies conversion intents to the store.
type Reconciler struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.Mode == "" {
		cfg.Mode = config.ConversionModeFull
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "EUR"
	}
	if cfg.LateArrivalWindow == 0 {
		cfg.LateArrivalWindow = DefaultLateArrivalWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, cfg: cfg, log: log, now: time.Now}
}

// Apply merges one intent. In purchase-only mode view and checkout signals
// are acknowledged without touching the store.
func (r *Reconciler) Apply(ctx context.Context, in Intent) (Outcome, error) {
	if !in.Type.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, in.Type)
	}
	if r.cfg.Mode == config.ConversionModePurchaseOnly && in.Type != models.EventPurchase {
		r.log.Debug("Conversion signal ignored in purchase-only mode",
			zap.String("site_id", in.SiteID),
			zap.String("event_type", string(in.Type)),
		)
		return OutcomeIgnored, nil
	}

	now := r.now().UTC()
	inserted, err := r.store.MergeConversion(ctx, in.SiteID, in.VisitorID, func(c Candidates) (models.ConversionRecord, bool) {
		target := selectTarget(c, in.Type, now, r.cfg.LateArrivalWindow)
		return Merge(target, in, now, r.cfg.DefaultCurrency), target == nil
	})
	if err != nil {
		return "", fmt.Errorf("merge %s for visitor %s: %w", in.Type, in.VisitorID, err)
	}

	outcome := OutcomeUpdated
	if inserted {
		outcome = OutcomeCreated
	}
	r.log.Debug("Conversion signal applied",
		zap.String("site_id", in.SiteID),
		zap.String("visitor_id", in.VisitorID),
		zap.String("event_type", string(in.Type)),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// selectTarget picks the record a signal merges into, or nil for a new one.
// A purchase always lands on the latest record so that it is never lost and
// a repeated purchase signal is idempotent.
func selectTarget(c Candidates, t models.ConversionEventType, now time.Time, window time.Duration) *models.ConversionRecord {
	if t == models.EventPurchase {
		return c.Latest
	}
	if c.Latest != nil && !c.Latest.Open() && lateArrival(c.Latest, t, now, window) {
		return c.Latest
	}
	return c.LatestOpen
}

// lateArrival reports whether a view or checkout signal belongs to a funnel
// that was already completed: the purchase inferred the step instead of
// observing it, and the signal arrived shortly after.
func lateArrival(rec *models.ConversionRecord, t models.ConversionEventType, now time.Time, window time.Duration) bool {
	if rec.PurchasedAt == nil || now.Sub(*rec.PurchasedAt) > window {
		return false
	}
	switch t {
	case models.EventProductView:
		return rec.ProductViewAt == nil
	case models.EventInitiateCheckout:
		return rec.FormOpenedAt == nil
	default:
		return false
	}
}

// Merge folds an intent into cur (nil for a new record) and returns the
// result. cur is not modified.
func Merge(cur *models.ConversionRecord, in Intent, now time.Time, defaultCurrency string) models.ConversionRecord {
	var rec models.ConversionRecord
	if cur != nil {
		rec = *cur
	} else {
		rec = models.ConversionRecord{
			SiteID:      in.SiteID,
			VisitorID:   in.VisitorID,
			ProductName: orDefault(in.ProductName, UnknownProduct),
			ProductID:   in.ProductID,
			ProductPage: in.ProductPage,
			Source:      orDefault(in.Source, DirectSource),
		}
	}

	at := now
	switch in.Type {
	case models.EventProductView:
		if cur != nil {
			if rec.Purchased {
				fillProduct(&rec, in)
			} else {
				refreshProduct(&rec, in)
			}
		}
		if rec.Purchased {
			at = notAfter(at, rec.FormOpenedAt, rec.PurchasedAt)
		}
		rec.ViewedProduct = true
		rec.ProductViewAt = &at

	case models.EventInitiateCheckout:
		if cur != nil {
			fillProduct(&rec, in)
		}
		if rec.Purchased {
			at = notAfter(at, rec.PurchasedAt)
		}
		// Opening checkout implies the product was viewed.
		rec.ViewedProduct = true
		rec.OpenedForm = true
		rec.FormOpenedAt = &at

	case models.EventPurchase:
		if cur != nil {
			fillProduct(&rec, in)
		}
		rec.ViewedProduct = true
		rec.OpenedForm = true
		rec.Purchased = true

		value := 0.0
		if in.Value != nil {
			value = *in.Value
		}
		currency := orDefault(in.Currency, defaultCurrency)
		rec.Value = &value
		rec.Currency = &currency
		rec.PurchasedAt = &at
	}

	return rec
}

// notAfter caps t at the earliest non-nil bound. Steps folded into a
// purchased record keep view <= checkout <= purchase.
func notAfter(t time.Time, bounds ...*time.Time) time.Time {
	for _, b := range bounds {
		if b != nil && b.Before(t) {
			t = *b
		}
	}
	return t
}

// refreshProduct overwrites product metadata with newly supplied values.
func refreshProduct(rec *models.ConversionRecord, in Intent) {
	if in.ProductName != "" {
		rec.ProductName = in.ProductName
	}
	if in.ProductID != "" {
		rec.ProductID = in.ProductID
	}
	if in.ProductPage != "" {
		rec.ProductPage = in.ProductPage
	}
}

// fillProduct only sets product metadata the record lacks.
func fillProduct(rec *models.ConversionRecord, in Intent) {
	if (rec.ProductName == "" || rec.ProductName == UnknownProduct) && in.ProductName != "" {
		rec.ProductName = in.ProductName
	}
	if rec.ProductID == "" {
		rec.ProductID = in.ProductID
	}
	if rec.ProductPage == "" {
		rec.ProductPage = in.ProductPage
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
