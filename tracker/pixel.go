package tracker

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"conteo/collector/models"
)

// Install polling defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollTimeout  = 10 * time.Second
)

// Pixel is an advertising pixel entry point.
type Pixel interface {
	Call(args ...any)
}

// PixelFunc adapts a function to Pixel.
type PixelFunc func(args ...any)

func (f PixelFunc) Call(args ...any) { f(args...) }

// Dialect is the calling convention of a pixel.
type Dialect int

const (
	// DialectMeta is fbq("track", "<Event>", payload).
	DialectMeta Dialect = iota
	// DialectTikTok is ttq.track("<Event>", payload).
	DialectTikTok
)

func (d Dialect) String() string {
	if d == DialectTikTok {
		return "tiktok"
	}
	return "meta"
}

func (d Dialect) parse(args []any) (event string, payload map[string]any) {
	switch d {
	case DialectMeta:
		if len(args) < 2 {
			return "", nil
		}
		if cmd, _ := args[0].(string); cmd != "track" {
			return "", nil
		}
		event, _ = args[1].(string)
		if len(args) > 2 {
			payload, _ = args[2].(map[string]any)
		}
	case DialectTikTok:
		if len(args) < 1 {
			return "", nil
		}
		event, _ = args[0].(string)
		if len(args) > 1 {
			payload, _ = args[1].(map[string]any)
		}
	}
	return event, payload
}

// Proxy forwards every call to the real pixel after letting the interceptor
// look at it. Observation failures never reach the caller and the arguments
// are forwarded unchanged.
type Proxy struct {
	next    Pixel
	dialect Dialect
	ic      *Interceptor
}

func (p *Proxy) Call(args ...any) {
	p.observe(args)
	p.next.Call(args...)
}

// Unwrap returns the real pixel.
func (p *Proxy) Unwrap() Pixel { return p.next }

func (p *Proxy) observe(args []any) {
	defer func() {
		if r := recover(); r != nil {
			p.ic.log.Debug("Pixel observation panicked", zap.Stringer("dialect", p.dialect), zap.Any("panic", r))
		}
	}()
	event, payload := p.dialect.parse(args)
	if event != "" {
		p.ic.Observe(event, payload)
	}
}

// PixelSlot is a global pixel entry point that the host page may define
// after the tracker has loaded.
type PixelSlot struct {
	mu sync.Mutex
	p  Pixel
}

func (s *PixelSlot) Load() Pixel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

func (s *PixelSlot) Store(p Pixel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}

// swapWrapped wraps the current pixel in place. It reports false while the
// slot is still empty.
func (s *PixelSlot) swapWrapped(wrap func(Pixel) Pixel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return false
	}
	s.p = wrap(s.p)
	return true
}

// InterceptorConfig tunes deferred installation.
type InterceptorConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Interceptor turns pixel calls into conversion intents.
type Interceptor struct {
	ctx *Context
	d   *Dispatcher
	cfg InterceptorConfig
	log *zap.Logger
}

func NewInterceptor(ctx *Context, d *Dispatcher, cfg InterceptorConfig, log *zap.Logger) *Interceptor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Interceptor{ctx: ctx, d: d, cfg: cfg, log: log}
}

// Wrap returns a Proxy around p. An existing Proxy is returned as is so the
// tracker loading twice does not report every event twice.
func (i *Interceptor) Wrap(p Pixel, dialect Dialect) Pixel {
	if proxy, ok := p.(*Proxy); ok {
		return proxy
	}
	return &Proxy{next: p, dialect: dialect, ic: i}
}

// Install wraps the pixel in slot. When the slot is still empty it polls
// until the pixel appears, the poll window expires or ctx is done. The
// returned channel yields whether the pixel was wrapped.
func (i *Interceptor) Install(ctx context.Context, slot *PixelSlot, dialect Dialect) <-chan bool {
	result := make(chan bool, 1)
	wrap := func(p Pixel) Pixel { return i.Wrap(p, dialect) }

	if slot.swapWrapped(wrap) {
		result <- true
		close(result)
		return result
	}

	go func() {
		defer close(result)
		ticker := time.NewTicker(i.cfg.PollInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(i.cfg.PollTimeout)
		defer deadline.Stop()

		for {
			select {
			case <-ticker.C:
				if slot.swapWrapped(wrap) {
					i.log.Debug("Pixel wrapped after deferred load", zap.Stringer("dialect", dialect))
					result <- true
					return
				}
			case <-deadline.C:
				result <- false
				return
			case <-ctx.Done():
				result <- false
				return
			}
		}
	}()
	return result
}

// Observe maps a pixel event to tracker behaviour.
func (i *Interceptor) Observe(event string, payload map[string]any) {
	switch event {
	case "ViewContent":
		i.send(models.EventProductView, productFromPayload(payload), payload)
	case "AddToCart":
		i.ctx.SetLastProduct(productFromPayload(payload))
	case "InitiateCheckout":
		i.send(models.EventInitiateCheckout, i.backfill(productFromPayload(payload)), payload)
	case "Purchase", "CompletePayment", "PlaceAnOrder":
		i.send(models.EventPurchase, i.backfill(productFromPayload(payload)), payload)
	}
}

// ObservePage extracts product identity from the page markup on product-like
// paths and reports a product view for it.
func (i *Interceptor) ObservePage(html io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Debug("Product extraction panicked", zap.Any("panic", r))
		}
	}()
	if !LooksLikeProductPage(i.ctx.Path()) {
		return
	}
	prod, ok := ExtractProduct(html)
	if !ok {
		return
	}
	i.ctx.SetLastProduct(prod)
	i.send(models.EventProductView, prod, nil)
}

func (i *Interceptor) backfill(p Product) Product {
	cached, ok := i.ctx.LastProduct()
	if !ok {
		return p
	}
	if p.Name == "" {
		p.Name = cached.Name
	}
	if p.ID == "" {
		p.ID = cached.ID
	}
	return p
}

func (i *Interceptor) send(t models.ConversionEventType, p Product, payload map[string]any) {
	req := models.ConversionRequest{
		Credentials: models.Credentials{Credential: i.ctx.credential},
		EventType:   t,
		ProductID:   models.FlexString(p.ID),
		ProductName: p.Name,
		ProductPage: i.ctx.Path(),
		Source:      i.ctx.Source(),
	}
	if t == models.EventPurchase {
		if v, ok := numberField(payload, "value"); ok {
			fv := models.FlexFloat(v)
			req.Value = &fv
		}
		req.Currency = stringField(payload, "currency")
	}

	queued := i.ctx.withVisitor(func(visitorID string) {
		req.VisitorID = visitorID
		i.d.Send(i.ctx.conversionURL, req)
	})
	if !queued {
		i.log.Debug("Conversion signal dropped, pending queue full", zap.String("event_type", string(t)))
	}
}

// productFromPayload reads product identity from either pixel dialect:
// content_name/content_id, content_ids[0], or contents[0].
func productFromPayload(payload map[string]any) Product {
	p := Product{
		Name: stringField(payload, "content_name"),
		ID:   stringField(payload, "content_id"),
	}
	if p.ID == "" {
		if ids, ok := payload["content_ids"].([]any); ok && len(ids) > 0 {
			p.ID = stringify(ids[0])
		} else if ids, ok := payload["content_ids"].([]string); ok && len(ids) > 0 {
			p.ID = ids[0]
		}
	}
	if contents, ok := payload["contents"].([]any); ok && len(contents) > 0 {
		if first, ok := contents[0].(map[string]any); ok {
			if p.ID == "" {
				p.ID = stringField(first, "content_id")
			}
			if p.ID == "" {
				p.ID = stringField(first, "id")
			}
			if p.Name == "" {
				p.Name = stringField(first, "content_name")
			}
		}
	}
	return p
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(stringify(m[key]))
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch val := m[key].(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
