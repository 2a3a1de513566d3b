package tracker

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"conteo/collector/models"
	"conteo/collector/utils"
)

var ErrEmptyEventName = errors.New("event name must be a non-empty string")

// Reporter sends site-specific named events.
type Reporter struct {
	ctx *Context
	d   *Dispatcher
	log *zap.Logger
}

func NewReporter(ctx *Context, d *Dispatcher, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{ctx: ctx, d: d, log: log}
}

// TrackEvent reports a named event with an optional property bag. Events
// raised before the collector has assigned a visitor id are held until it
// does.
func (r *Reporter) TrackEvent(name string, props map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("track event %q: %v", name, rec)
		}
	}()

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyEventName
	}
	if props == nil {
		props = map[string]any{}
	}

	client := utils.ParseUserAgent(r.ctx.window.UserAgent())
	req := models.CustomEventRequest{
		Credentials: models.Credentials{Credential: r.ctx.credential},
		SessionID:   r.ctx.SessionID(),
		EventName:   name,
		Properties:  props,
		Path:        r.ctx.Path(),
		Referrer:    r.ctx.window.Referrer(),
		Source:      r.ctx.Source(),
		Device:      client.Device,
		Browser:     client.Browser,
	}
	queued := r.ctx.withVisitor(func(visitorID string) {
		req.VisitorID = visitorID
		r.d.Send(r.ctx.eventURL, req)
	})
	if !queued {
		r.log.Debug("Custom event dropped, pending queue full", zap.String("event_name", name))
	}
	return nil
}
