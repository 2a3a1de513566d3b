package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"conteo/collector/identity"
)

type pixelFixture struct {
	ctx    *Context
	beacon *recordingBeacon
	ic     *Interceptor
	calls  [][]any
	real   Pixel
}

func newPixelFixture(t *testing.T, location string) *pixelFixture {
	t.Helper()
	f := &pixelFixture{beacon: &recordingBeacon{}}
	f.ctx = newTestContext(t, "https://collect.example.net", &fakeWindow{location: location, referrer: "https://www.instagram.com/"})
	f.ctx.SetVisitorID("visitor-1")
	f.ic = NewInterceptor(f.ctx, NewDispatcher(f.beacon, nil, nil), InterceptorConfig{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
	}, nil)
	f.real = PixelFunc(func(args ...any) { f.calls = append(f.calls, args) })
	return f
}

func TestProxy_ForwardsUnchanged(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	fbq := f.ic.Wrap(f.real, DialectMeta)

	payload := map[string]any{"value": 10, "currency": "USD"}
	fbq.Call("track", "Purchase", payload)
	fbq.Call("init", "1234567890")

	require.Len(t, f.calls, 2)
	assert.Equal(t, []any{"track", "Purchase", payload}, f.calls[0])
	assert.Equal(t, []any{"init", "1234567890"}, f.calls[1])
}

func TestProxy_ObservationPanicsAreContained(t *testing.T) {
	var forwarded bool
	broken := &Interceptor{log: zap.NewNop()} // no context: every observation panics
	fbq := broken.Wrap(PixelFunc(func(...any) { forwarded = true }), DialectMeta)

	assert.NotPanics(t, func() { fbq.Call("track", "Purchase", map[string]any{}) })
	assert.True(t, forwarded)
}

func TestInterceptor_WrapIsIdempotent(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	once := f.ic.Wrap(f.real, DialectMeta)
	twice := f.ic.Wrap(once, DialectMeta)

	assert.Same(t, once, twice)
	twice.Call("track", "InitiateCheckout", map[string]any{})
	assert.Len(t, f.beacon.sent(), 1)
	assert.Len(t, f.calls, 1)
}

func TestInterceptor_MetaFunnel(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/products/lamp?utm_source=meta")
	fbq := f.ic.Wrap(f.real, DialectMeta)

	fbq.Call("track", "ViewContent", map[string]any{"content_name": "Desk Lamp", "content_ids": []any{"sku-9"}})
	fbq.Call("track", "AddToCart", map[string]any{"content_name": "Desk Lamp", "content_ids": []any{"sku-9"}})
	fbq.Call("track", "InitiateCheckout", map[string]any{})
	fbq.Call("track", "Purchase", map[string]any{"value": "49.90", "currency": "MAD"})

	sent := f.beacon.sent()
	require.Len(t, sent, 3, "AddToCart only caches")
	for _, s := range sent {
		assert.Equal(t, "https://collect.example.net"+PathConversion, s.URL)
		assert.Equal(t, "visitor-1", s.Body["visitor_id"])
		assert.Equal(t, testKey, s.Body["credential"])
		assert.Equal(t, "meta", s.Body["source"])
		assert.Equal(t, "/products/lamp", s.Body["product_page"])
	}

	assert.Equal(t, "product_view", sent[0].Body["event_type"])
	assert.Equal(t, "sku-9", sent[0].Body["product_id"])

	assert.Equal(t, "initiate_checkout", sent[1].Body["event_type"])
	assert.Equal(t, "Desk Lamp", sent[1].Body["product_name"], "backfilled from cart")

	assert.Equal(t, "purchase", sent[2].Body["event_type"])
	assert.Equal(t, "Desk Lamp", sent[2].Body["product_name"])
	assert.Equal(t, "sku-9", sent[2].Body["product_id"])
	assert.InDelta(t, 49.90, sent[2].Body["value"], 1e-9)
	assert.Equal(t, "MAD", sent[2].Body["currency"])
}

func TestInterceptor_TikTokDialect(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	ttq := f.ic.Wrap(f.real, DialectTikTok)

	ttq.Call("CompletePayment", map[string]any{
		"contents": []any{map[string]any{"content_id": 77.0, "content_name": "Rug"}},
		"value":    120,
	})
	ttq.Call("PlaceAnOrder", map[string]any{"content_id": "rug-77"})
	ttq.Call("ClickButton")

	sent := f.beacon.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "purchase", sent[0].Body["event_type"])
	assert.Equal(t, "77", sent[0].Body["product_id"])
	assert.Equal(t, "Rug", sent[0].Body["product_name"])
	assert.Equal(t, float64(120), sent[0].Body["value"])
	assert.Equal(t, "www.instagram.com", sent[0].Body["source"], "referrer host")
	assert.Equal(t, "rug-77", sent[1].Body["product_id"])
	assert.Len(t, f.calls, 3)
}

func TestInterceptor_SignalHeldUntilVisitorKnown(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	f.ctx.storage.Set(identity.VisitorKey, "")
	fbq := f.ic.Wrap(f.real, DialectMeta)

	fbq.Call("track", "Purchase", map[string]any{"value": 10, "currency": "MAD"})
	assert.Empty(t, f.beacon.sent())
	assert.Len(t, f.calls, 1)

	f.ctx.SetVisitorID("visitor-2")

	sent := f.beacon.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "visitor-2", sent[0].Body["visitor_id"])
	assert.Equal(t, "purchase", sent[0].Body["event_type"])
	assert.Equal(t, float64(10), sent[0].Body["value"])

	f.ctx.SetVisitorID("visitor-3")
	assert.Len(t, f.beacon.sent(), 1, "released once")
}

func TestInterceptor_PendingSignalsBounded(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	f.ctx.storage.Set(identity.VisitorKey, "")
	fbq := f.ic.Wrap(f.real, DialectMeta)

	for range maxPendingSignals + 5 {
		fbq.Call("track", "InitiateCheckout", map[string]any{})
	}
	f.ctx.SetVisitorID("visitor-2")

	assert.Len(t, f.beacon.sent(), maxPendingSignals)
	assert.Len(t, f.calls, maxPendingSignals+5)
}

func TestTracker_PurchaseBeforePageviewResponse(t *testing.T) {
	srv := newCollector(t)
	release := srv.holdPageviews()
	win := &fakeWindow{location: "https://shop.example.com/thank-you"}
	tr, err := New(ScriptTag{Src: srv.URL + "/tracker.js", APIKey: testKey}, win, nil, Options{HTTPClient: srv.Client()})
	require.NoError(t, err)

	tr.Navigation.Start()
	fbq := tr.Pixels.Wrap(PixelFunc(func(...any) {}), DialectMeta)
	fbq.Call("track", "Purchase", map[string]any{"value": 25, "currency": "MAD"})
	assert.Empty(t, tr.Context.VisitorID())

	close(release)
	tr.Wait()

	var conversions []delivery
	for _, r := range srv.requests() {
		if r.URL == PathConversion {
			conversions = append(conversions, r)
		}
	}
	require.Len(t, conversions, 1)
	assert.Equal(t, "v-from-server", conversions[0].Body["visitor_id"])
	assert.Equal(t, "purchase", conversions[0].Body["event_type"])
	assert.Equal(t, "/thank-you", conversions[0].Body["product_page"])
}

func TestInterceptor_InstallImmediate(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	slot := &PixelSlot{}
	slot.Store(f.real)

	assert.True(t, <-f.ic.Install(context.Background(), slot, DialectMeta))
	_, wrapped := slot.Load().(*Proxy)
	assert.True(t, wrapped)

	assert.True(t, <-f.ic.Install(context.Background(), slot, DialectMeta))
	proxy := slot.Load().(*Proxy)
	_, doubled := proxy.Unwrap().(*Proxy)
	assert.False(t, doubled)
}

func TestInterceptor_InstallDeferred(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	slot := &PixelSlot{}

	done := f.ic.Install(context.Background(), slot, DialectTikTok)
	time.Sleep(20 * time.Millisecond)
	slot.Store(f.real)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pixel was not wrapped after it appeared")
	}
	slot.Load().Call("Purchase", map[string]any{"value": 5})
	assert.Len(t, f.beacon.sent(), 1)
}

func TestInterceptor_InstallGivesUp(t *testing.T) {
	f := newPixelFixture(t, "https://shop.example.com/")
	slot := &PixelSlot{}

	select {
	case ok := <-f.ic.Install(context.Background(), slot, DialectMeta):
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("install did not give up")
	}
	assert.Nil(t, slot.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, <-f.ic.Install(ctx, slot, DialectMeta))
}
