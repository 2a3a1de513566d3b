// Package tracker is the browser-side half of the collector: it reports
// pageviews for every route change, observes advertising pixel calls to
// derive conversion signals, and sends custom events. Host APIs (history,
// beacon, storage, pixel globals) are reached through small interfaces so
// the behaviour can run against any embedding.
package tracker

import (
	"net/http"

	"go.uber.org/zap"

	"conteo/collector/identity"
)

// Options configures New. Every field is optional.
type Options struct {
	Beacon     Beacon
	HTTPClient *http.Client
	Logger     *zap.Logger
	Pixels     InterceptorConfig
}

// Tracker bundles the components built from one script tag.
type Tracker struct {
	Context    *Context
	Navigation *Navigator
	Pixels     *Interceptor
	Events     *Reporter
	dispatcher *Dispatcher
}

// New builds a Tracker. It fails only when the script tag has no API key.
func New(tag ScriptTag, win Window, storage identity.Storage, opts Options) (*Tracker, error) {
	ctx, err := NewContext(tag, win, storage)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := NewDispatcher(opts.Beacon, opts.HTTPClient, log)
	return &Tracker{
		Context:    ctx,
		Navigation: NewNavigator(ctx, d, log),
		Pixels:     NewInterceptor(ctx, d, opts.Pixels, log),
		Events:     NewReporter(ctx, d, log),
		dispatcher: d,
	}, nil
}

// TrackEvent is the public custom event call.
func (t *Tracker) TrackEvent(name string, props map[string]any) error {
	return t.Events.TrackEvent(name, props)
}

// Wait blocks until in-flight deliveries finish.
func (t *Tracker) Wait() {
	t.dispatcher.Wait()
}
