package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"conteo/collector/apperrors"
	"conteo/collector/funnel"
	"conteo/collector/identity"
	"conteo/collector/logger"
	"conteo/collector/metrics"
	"conteo/collector/middleware"
	"conteo/collector/models"
	"conteo/collector/origin"
	"conteo/collector/store"
	"conteo/collector/utils"
)

// Endpoint labels used in logs and metrics.
const (
	endpointPageview   = "track"
	endpointConversion = "track_cod"
	endpointEvent      = "track_event"
)

const defaultRequestTimeout = 15 * time.Second

// SiteRegistry resolves a site from its public credential.
type SiteRegistry interface {
	LookupByCredential(ctx context.Context, credential string) (*models.Site, error)
}

// EventWriter appends immutable pageview and custom event rows.
type EventWriter interface {
	InsertPageview(ctx context.Context, pv models.Pageview) error
	InsertCustomEvent(ctx context.Context, ev models.CustomEvent) error
}

// ConversionApplier merges conversion signals into funnel records.
type ConversionApplier interface {
	Apply(ctx context.Context, in funnel.Intent) (funnel.Outcome, error)
}

// GeoResolver reads best-effort visitor location from the request.
type GeoResolver interface {
	Resolve(r *http.Request) models.Geo
}

// TrackHandlers serves the three public ingestion endpoints.
type TrackHandlers struct {
	sites       SiteRegistry
	events      EventWriter
	conversions ConversionApplier
	geo         GeoResolver
	metrics     *metrics.Metrics
	log         *zap.Logger
	timeout     time.Duration
	now         func() time.Time
}

// TrackDeps are the collaborators of TrackHandlers.
type TrackDeps struct {
	Sites       SiteRegistry
	Events      EventWriter
	Conversions ConversionApplier
	Geo         GeoResolver
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	Timeout     time.Duration
}

func NewTrackHandlers(d TrackDeps) *TrackHandlers {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Timeout == 0 {
		d.Timeout = defaultRequestTimeout
	}
	return &TrackHandlers{
		sites:       d.Sites,
		events:      d.Events,
		conversions: d.Conversions,
		geo:         d.Geo,
		metrics:     d.Metrics,
		log:         d.Log,
		timeout:     d.Timeout,
		now:         time.Now,
	}
}

// TrackPageview handles POST /api/track.
func (h *TrackHandlers) TrackPageview(c *gin.Context) {
	defer h.observe(c, endpointPageview, time.Now())

	var req models.PageviewRequest
	if err := bindBody(c, &req); err != nil {
		h.fail(c, endpointPageview, err)
		return
	}
	if req.Key() == "" || req.Path == "" {
		h.fail(c, endpointPageview, apperrors.Validation("Missing required fields: credential, path"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	site, err := h.admit(ctx, c, req.Key())
	if err != nil {
		h.fail(c, endpointPageview, err)
		return
	}
	if h.acknowledgeBot(c, endpointPageview) {
		return
	}

	ua := req.UserAgent
	if ua == "" {
		ua = c.Request.UserAgent()
	}
	visitorID := identity.Fingerprint(utils.ClientIP(c.Request), ua)
	client := utils.ParseUserAgent(ua)

	pv := models.Pageview{
		EventID:        uuid.New().String(),
		SiteID:         site.ID,
		VisitorID:      visitorID,
		Path:           req.Path,
		ReferrerDomain: utils.ExtractDomain(req.Referrer),
		UserAgent:      ua,
		Browser:        client.Browser,
		OS:             client.OS,
		DeviceClass:    client.Device,
		UTM: models.UTM{
			Source:   utils.OptionalString(req.UTMSource),
			Medium:   utils.OptionalString(req.UTMMedium),
			Campaign: utils.OptionalString(req.UTMCampaign),
			Content:  utils.OptionalString(req.UTMContent),
			Term:     utils.OptionalString(req.UTMTerm),
		},
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
		Timestamp:    h.now().UTC(),
	}
	if h.geo != nil {
		pv.Geo = h.geo.Resolve(c.Request)
	}

	if err := h.events.InsertPageview(ctx, pv); err != nil {
		h.fail(c, endpointPageview, apperrors.Persistence("Failed to track pageview", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "visitor_id": visitorID})
}

// TrackConversion handles POST /api/track-cod.
func (h *TrackHandlers) TrackConversion(c *gin.Context) {
	defer h.observe(c, endpointConversion, time.Now())

	var req models.ConversionRequest
	if err := bindBody(c, &req); err != nil {
		h.fail(c, endpointConversion, err)
		return
	}
	if req.Key() == "" || req.VisitorID == "" || req.EventType == "" {
		h.fail(c, endpointConversion, apperrors.Validation("Missing required fields"))
		return
	}
	if !req.EventType.Valid() {
		h.fail(c, endpointConversion, apperrors.Validation("Invalid event_type"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	site, err := h.admit(ctx, c, req.Key())
	if err != nil {
		h.fail(c, endpointConversion, err)
		return
	}

	if !site.ConversionTrackingEnabled {
		h.metrics.RecordConversion(string(req.EventType), string(funnel.OutcomeIgnored))
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "conversion tracking not enabled"})
		return
	}

	intent := funnel.Intent{
		SiteID:      site.ID,
		VisitorID:   req.VisitorID,
		Type:        req.EventType,
		ProductID:   string(req.ProductID),
		ProductName: req.ProductName,
		ProductPage: req.ProductPage,
		Currency:    req.Currency,
		Source:      req.Source,
	}
	if req.Value != nil {
		v := float64(*req.Value)
		intent.Value = &v
	}

	outcome, err := h.conversions.Apply(ctx, intent)
	if err != nil {
		h.fail(c, endpointConversion, apperrors.Persistence("Failed to track conversion", err))
		return
	}
	h.metrics.RecordConversion(string(req.EventType), string(outcome))

	c.JSON(http.StatusOK, gin.H{"success": true, "outcome": outcome})
}

// TrackCustomEvent handles POST /api/track-event.
func (h *TrackHandlers) TrackCustomEvent(c *gin.Context) {
	defer h.observe(c, endpointEvent, time.Now())

	var req models.CustomEventRequest
	if err := bindBody(c, &req); err != nil {
		h.fail(c, endpointEvent, err)
		return
	}
	if req.Key() == "" || req.VisitorID == "" || req.EventName == "" {
		h.fail(c, endpointEvent, apperrors.Validation("Missing required fields: credential, visitor_id, event_name"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	site, err := h.admit(ctx, c, req.Key())
	if err != nil {
		h.fail(c, endpointEvent, err)
		return
	}
	if h.acknowledgeBot(c, endpointEvent) {
		return
	}

	ev := models.CustomEvent{
		EventID:    uuid.New().String(),
		SiteID:     site.ID,
		VisitorID:  req.VisitorID,
		SessionID:  utils.OptionalString(req.SessionID),
		EventName:  req.EventName,
		Properties: req.StringProperties(),
		Path:       utils.OptionalString(req.Path),
		Referrer:   utils.OptionalString(req.Referrer),
		Source:     utils.StringOr(req.Source, "Direct"),
		Device:     utils.OptionalString(req.Device),
		Browser:    utils.OptionalString(req.Browser),
		Country:    utils.OptionalString(req.Country),
		Timestamp:  h.now().UTC(),
	}

	if err := h.events.InsertCustomEvent(ctx, ev); err != nil {
		h.fail(c, endpointEvent, apperrors.Persistence("Failed to track event", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// bindBody decodes the JSON body regardless of Content-Type; beacons send
// text/plain.
func bindBody(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("Empty request body")
		}
		return apperrors.Validation("Invalid JSON in request body")
	}
	return nil
}

// admit resolves the credential and checks the request origin against the
// site's registered domain.
func (h *TrackHandlers) admit(ctx context.Context, c *gin.Context, credential string) (*models.Site, error) {
	site, err := h.sites.LookupByCredential(ctx, credential)
	if err != nil {
		if errors.Is(err, store.ErrSiteNotFound) {
			return nil, apperrors.Unauthorized("Invalid API key")
		}
		return nil, apperrors.Persistence("Failed to verify site", err)
	}

	presented := origin.FromRequest(c.Request)
	decision := origin.Validate(site.Domain, presented)
	h.log.Debug("Origin check",
		zap.String("site_id", site.ID),
		zap.String("credential", logger.CredentialPrefix(credential)),
		zap.String("presented", presented),
		zap.Bool("admit", decision.Admit),
		zap.String("reason", decision.Reason),
	)
	if !decision.Admit {
		if decision.Reason == origin.ReasonMalformedURL {
			return nil, apperrors.Forbidden("Invalid referer")
		}
		return nil, apperrors.Forbidden("Invalid domain")
	}
	return site, nil
}

// acknowledgeBot answers an admitted crawler request without storing it.
// Conversions skip it; they are explicit shop-side signals.
func (h *TrackHandlers) acknowledgeBot(c *gin.Context, endpoint string) bool {
	if !middleware.IsBot(c) {
		return false
	}
	h.metrics.RecordBot(endpoint)
	c.JSON(http.StatusOK, gin.H{"success": true})
	return true
}

func (h *TrackHandlers) fail(c *gin.Context, endpoint string, err error) {
	status := apperrors.StatusOf(err)
	fields := []zap.Field{zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.log.Error("Ingestion failed", fields...)
	} else {
		h.log.Debug("Ingestion rejected", fields...)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": apperrors.MessageOf(err)})
}

func (h *TrackHandlers) observe(c *gin.Context, endpoint string, start time.Time) {
	h.metrics.RecordRequest(endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
}
