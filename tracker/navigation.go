package tracker

import (
	"go.uber.org/zap"

	"conteo/collector/models"
)

// History is the browser history API surface that changes the route.
type History interface {
	PushState(state any, title, url string)
	ReplaceState(state any, title, url string)
}

// Navigator emits one pageview per route change.
type Navigator struct {
	ctx *Context
	d   *Dispatcher
	log *zap.Logger
}

func NewNavigator(ctx *Context, d *Dispatcher, log *zap.Logger) *Navigator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Navigator{ctx: ctx, d: d, log: log}
}

// Start reports the initial page load.
func (n *Navigator) Start() { n.TrackPageview() }

// PopState handles back/forward navigation.
func (n *Navigator) PopState() { n.TrackPageview() }

// HashChange handles hash-based routing.
func (n *Navigator) HashChange() { n.TrackPageview() }

// Wrap decorates h so that every push or replace reports a pageview after
// the route has changed. Wrapping twice returns the existing wrapper.
func (n *Navigator) Wrap(h History) History {
	if th, ok := h.(*trackedHistory); ok {
		return th
	}
	return &trackedHistory{next: h, nav: n}
}

// TrackPageview reports the current location. The first pageview of a
// visitor goes over a plain POST so that the assigned visitor id can be read
// back; later ones use the beacon.
func (n *Navigator) TrackPageview() {
	defer func() {
		if r := recover(); r != nil {
			n.log.Debug("Pageview tracking panicked", zap.Any("panic", r))
		}
	}()

	req := models.PageviewRequest{
		Credentials: models.Credentials{Credential: n.ctx.credential},
		Path:        n.ctx.Path(),
		Referrer:    n.ctx.window.Referrer(),
		UserAgent:   n.ctx.window.UserAgent(),
		UTMSource:   n.ctx.query("utm_source"),
		UTMMedium:   n.ctx.query("utm_medium"),
		UTMCampaign: n.ctx.query("utm_campaign"),
		UTMContent:  n.ctx.query("utm_content"),
		UTMTerm:     n.ctx.query("utm_term"),
	}
	if w, h := n.ctx.window.ScreenSize(); w > 0 && h > 0 {
		sw, sh := int32(w), int32(h)
		req.ScreenWidth, req.ScreenHeight = &sw, &sh
	}

	if n.ctx.VisitorID() == "" {
		n.d.SendWithResponse(n.ctx.pageviewURL, req, n.ctx.rememberVisitor)
		return
	}
	n.d.Send(n.ctx.pageviewURL, req)
}

type trackedHistory struct {
	next History
	nav  *Navigator
}

func (h *trackedHistory) PushState(state any, title, url string) {
	h.next.PushState(state, title, url)
	h.nav.TrackPageview()
}

func (h *trackedHistory) ReplaceState(state any, title, url string) {
	h.next.ReplaceState(state, title, url)
	h.nav.TrackPageview()
}
