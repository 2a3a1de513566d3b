package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conteo/collector/config"
	"conteo/collector/models"
)

// memStore is an in-memory Store with the same candidate selection as the
// Postgres implementation.
type memStore struct {
	mu      sync.Mutex
	records []models.ConversionRecord
	seq     int
	clock   time.Time
	err     error
	calls   int
}

func newMemStore() *memStore {
	return &memStore{clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *memStore) MergeConversion(_ context.Context, siteID, visitorID string, merge MergeFunc) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}

	var c Candidates
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.SiteID != siteID || rec.VisitorID != visitorID {
			continue
		}
		if c.Latest == nil {
			c.Latest = &rec
		}
		if rec.Open() && c.LatestOpen == nil {
			c.LatestOpen = &rec
		}
	}

	rec, insert := merge(c)
	if insert {
		m.seq++
		m.clock = m.clock.Add(time.Second)
		rec.ID = fmt.Sprintf("rec-%d", m.seq)
		rec.CreatedAt = m.clock
		m.records = append(m.records, rec)
		return true, nil
	}
	for i := range m.records {
		if m.records[i].ID == rec.ID {
			m.records[i] = rec
			return false, nil
		}
	}
	return false, errors.New("update of unknown record")
}

func (m *memStore) forVisitor(visitorID string) []models.ConversionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ConversionRecord
	for _, r := range m.records {
		if r.VisitorID == visitorID {
			out = append(out, r)
		}
	}
	return out
}

func newTestReconciler(store Store, mode string) *Reconciler {
	r := NewReconciler(store, Config{Mode: mode, DefaultCurrency: "EUR"}, nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return r
}

func intent(t models.ConversionEventType) Intent {
	return Intent{SiteID: "site-1", VisitorID: "v1", Type: t}
}

func ptr[T any](v T) *T { return &v }

func TestApply_ViewCheckoutPurchase(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	view := intent(models.EventProductView)
	view.ProductName = "Argan Oil"
	view.ProductID = "42"
	out, err := r.Apply(ctx, view)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)

	out, err = r.Apply(ctx, intent(models.EventInitiateCheckout))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	purchase := intent(models.EventPurchase)
	purchase.Value = ptr(49.9)
	purchase.Currency = "MAD"
	out, err = r.Apply(ctx, purchase)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.True(t, rec.ViewedProduct)
	assert.True(t, rec.OpenedForm)
	assert.True(t, rec.Purchased)
	assert.Equal(t, "Argan Oil", rec.ProductName)
	assert.Equal(t, "42", rec.ProductID)
	require.NotNil(t, rec.Value)
	assert.InDelta(t, 49.9, *rec.Value, 1e-9)
	assert.Equal(t, "MAD", *rec.Currency)
	assert.NotNil(t, rec.ProductViewAt)
	assert.NotNil(t, rec.FormOpenedAt)
	assert.NotNil(t, rec.PurchasedAt)
}

func TestApply_PurchaseWithoutPriorSignals(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)

	out, err := r.Apply(context.Background(), intent(models.EventPurchase))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.True(t, rec.ViewedProduct)
	assert.True(t, rec.OpenedForm)
	assert.True(t, rec.Purchased)
	assert.Equal(t, UnknownProduct, rec.ProductName)
	assert.Equal(t, DirectSource, rec.Source)
	assert.InDelta(t, 0.0, *rec.Value, 1e-9)
	assert.Equal(t, "EUR", *rec.Currency)
}

func TestApply_RepeatedViewIsIdempotent(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	first := intent(models.EventProductView)
	first.ProductName = "Lamp"
	_, err := r.Apply(ctx, first)
	require.NoError(t, err)

	before := store.forVisitor("v1")[0].ProductViewAt

	second := intent(models.EventProductView)
	out, err := r.Apply(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 1)
	assert.Equal(t, "Lamp", recs[0].ProductName, "empty product name must not overwrite")
	assert.True(t, recs[0].ProductViewAt.After(*before))
}

func TestApply_ViewRefreshesProductOnOpenRecord(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	a := intent(models.EventProductView)
	a.ProductName = "Lamp"
	a.ProductID = "1"
	_, err := r.Apply(ctx, a)
	require.NoError(t, err)

	b := intent(models.EventProductView)
	b.ProductName = "Chair"
	b.ProductID = "2"
	_, err = r.Apply(ctx, b)
	require.NoError(t, err)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 1)
	assert.Equal(t, "Chair", recs[0].ProductName)
	assert.Equal(t, "2", recs[0].ProductID)
}

func TestApply_CheckoutFillsOnlyMissingMetadata(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	_, err := r.Apply(ctx, intent(models.EventProductView))
	require.NoError(t, err)
	assert.Equal(t, UnknownProduct, store.forVisitor("v1")[0].ProductName)

	checkout := intent(models.EventInitiateCheckout)
	checkout.ProductName = "Lamp"
	checkout.ProductPage = "/products/lamp"
	_, err = r.Apply(ctx, checkout)
	require.NoError(t, err)

	rec := store.forVisitor("v1")[0]
	assert.Equal(t, "Lamp", rec.ProductName)
	assert.Equal(t, "/products/lamp", rec.ProductPage)

	again := intent(models.EventInitiateCheckout)
	again.ProductName = "Other"
	_, err = r.Apply(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "Lamp", store.forVisitor("v1")[0].ProductName)
}

func TestApply_RepeatedPurchaseUpdatesSameRecord(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	p := intent(models.EventPurchase)
	p.Value = ptr(10.0)
	_, err := r.Apply(ctx, p)
	require.NoError(t, err)

	out, err := r.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
	assert.Len(t, store.forVisitor("v1"), 1)
}

func TestApply_ReturnVisitAfterObservedFunnelStartsFreshRecord(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	for _, et := range []models.ConversionEventType{
		models.EventProductView, models.EventInitiateCheckout, models.EventPurchase,
	} {
		_, err := r.Apply(ctx, intent(et))
		require.NoError(t, err)
	}

	out, err := r.Apply(ctx, intent(models.EventProductView))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Purchased)
	assert.True(t, recs[1].Open())
	assert.True(t, recs[1].ViewedProduct)
	assert.False(t, recs[1].OpenedForm)
}

func TestApply_LateSignalOutsideWindowStartsFreshRecord(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	_, err := r.Apply(ctx, intent(models.EventPurchase))
	require.NoError(t, err)

	later := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return later }

	out, err := r.Apply(ctx, intent(models.EventProductView))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
	assert.Len(t, store.forVisitor("v1"), 2)
}

func TestApply_LateStepsStampedNoLaterThanPurchase(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)
	ctx := context.Background()

	_, err := r.Apply(ctx, intent(models.EventPurchase))
	require.NoError(t, err)
	out, err := r.Apply(ctx, intent(models.EventInitiateCheckout))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
	out, err = r.Apply(ctx, intent(models.EventProductView))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	recs := store.forVisitor("v1")
	require.Len(t, recs, 1)
	rec := recs[0]
	require.NotNil(t, rec.PurchasedAt)
	require.NotNil(t, rec.FormOpenedAt)
	require.NotNil(t, rec.ProductViewAt)
	assert.False(t, rec.FormOpenedAt.After(*rec.PurchasedAt))
	assert.False(t, rec.ProductViewAt.After(*rec.FormOpenedAt))
}

func TestMerge_LateViewCappedByEarlierSteps(t *testing.T) {
	purchased := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	opened := purchased.Add(-5 * time.Second)
	cur := &models.ConversionRecord{ID: "r1", Purchased: true, PurchasedAt: &purchased, OpenedForm: true, FormOpenedAt: &opened}

	got := Merge(cur, intent(models.EventProductView), purchased.Add(time.Minute), "EUR")
	require.NotNil(t, got.ProductViewAt)
	assert.True(t, got.ProductViewAt.Equal(opened))

	cur.FormOpenedAt = nil
	got = Merge(cur, intent(models.EventInitiateCheckout), purchased.Add(time.Minute), "EUR")
	require.NotNil(t, got.FormOpenedAt)
	assert.True(t, got.FormOpenedAt.Equal(purchased))
}

// Every ordering of the three signals must converge on one record whose
// flags reflect exactly the signals seen.
func TestApply_AnyOrderingConverges(t *testing.T) {
	all := []models.ConversionEventType{
		models.EventProductView, models.EventInitiateCheckout, models.EventPurchase,
	}

	var sequences [][]models.ConversionEventType
	var permute func(prefix, rest []models.ConversionEventType)
	permute = func(prefix, rest []models.ConversionEventType) {
		if len(prefix) > 0 {
			sequences = append(sequences, append([]models.ConversionEventType(nil), prefix...))
		}
		for i := range rest {
			next := append(append([]models.ConversionEventType(nil), rest[:i]...), rest[i+1:]...)
			permute(append(prefix, rest[i]), next)
		}
	}
	permute(nil, all)
	// Duplicates before the purchase.
	sequences = append(sequences,
		[]models.ConversionEventType{models.EventProductView, models.EventProductView, models.EventInitiateCheckout, models.EventInitiateCheckout, models.EventPurchase},
		[]models.ConversionEventType{models.EventInitiateCheckout, models.EventProductView, models.EventInitiateCheckout, models.EventPurchase, models.EventPurchase},
	)

	for _, seq := range sequences {
		t.Run(fmt.Sprint(seq), func(t *testing.T) {
			store := newMemStore()
			r := newTestReconciler(store, config.ConversionModeFull)

			seen := map[models.ConversionEventType]bool{}
			for _, et := range seq {
				seen[et] = true
				_, err := r.Apply(context.Background(), intent(et))
				require.NoError(t, err)
			}

			recs := store.forVisitor("v1")
			require.Len(t, recs, 1)
			rec := recs[0]

			assert.Equal(t, seen[models.EventPurchase], rec.Purchased)
			if rec.Purchased {
				assert.True(t, rec.ViewedProduct)
				assert.True(t, rec.OpenedForm)
			}
			if seen[models.EventInitiateCheckout] {
				assert.True(t, rec.ViewedProduct)
				assert.True(t, rec.OpenedForm)
			}
			if seen[models.EventProductView] {
				assert.True(t, rec.ViewedProduct)
				assert.NotNil(t, rec.ProductViewAt)
			}
			if rec.PurchasedAt != nil {
				for _, step := range []*time.Time{rec.ProductViewAt, rec.FormOpenedAt} {
					if step != nil {
						assert.False(t, step.After(*rec.PurchasedAt), "step stamped after purchase")
					}
				}
			}
		})
	}
}

func TestApply_ConcurrentViewsKeepOneOpenRecord(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Apply(context.Background(), intent(models.EventProductView))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.forVisitor("v1"), 1)
}

func TestApply_PurchaseOnlyModeIgnoresFunnelSteps(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModePurchaseOnly)
	ctx := context.Background()

	for _, et := range []models.ConversionEventType{models.EventProductView, models.EventInitiateCheckout} {
		out, err := r.Apply(ctx, intent(et))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, out)
	}
	assert.Zero(t, store.calls)

	out, err := r.Apply(ctx, intent(models.EventPurchase))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
}

func TestApply_UnknownEventType(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, config.ConversionModeFull)

	_, err := r.Apply(context.Background(), intent("add_to_cart"))
	require.ErrorIs(t, err, ErrUnknownEventType)
	assert.Zero(t, store.calls)
}

func TestApply_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection reset")
	r := newTestReconciler(store, config.ConversionModeFull)

	_, err := r.Apply(context.Background(), intent(models.EventPurchase))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	cur := &models.ConversionRecord{ID: "r1", ProductName: UnknownProduct}
	now := time.Now()

	in := intent(models.EventInitiateCheckout)
	in.ProductName = "Lamp"
	got := Merge(cur, in, now, "EUR")

	assert.Equal(t, "Lamp", got.ProductName)
	assert.Equal(t, UnknownProduct, cur.ProductName)
	assert.False(t, cur.OpenedForm)
}
