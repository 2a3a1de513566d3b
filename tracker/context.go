package tracker

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"conteo/collector/identity"
)

// DefaultBaseURL is used when the script's own URL cannot be determined.
const DefaultBaseURL = "https://conteo.online"

// Ingestion paths relative to the base URL.
const (
	PathPageview   = "/api/track"
	PathConversion = "/api/track-cod"
	PathEvent      = "/api/track-event"
)

// DirectSource is reported when neither a campaign nor a referrer is known.
const DirectSource = "Direct"

const lastProductKey = "conteo_last_product"

// maxPendingSignals bounds the signals held back until the first pageview
// response names the visitor.
const maxPendingSignals = 20

var (
	ErrMissingAPIKey = errors.New("missing data-api-key attribute")
	ErrNoWindow      = errors.New("tracker needs a window")
)

// ScriptTag is the embed contract:
//
//	<script src=".../tracker.js" data-api-key="..." data-endpoint="..."></script>
//
// Endpoint is optional and overrides the pageview URL; the other endpoints
// are derived from its origin.
type ScriptTag struct {
	Src      string
	APIKey   string
	Endpoint string
}

// Window is the host page surface the tracker reads.
type Window interface {
	Location() *url.URL
	Referrer() string
	UserAgent() string
	ScreenSize() (width, height int)
}

// Product identifies the product a visitor is looking at.
type Product struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (p Product) empty() bool { return p.ID == "" && p.Name == "" }

// Context holds per-page tracker state. It is constructed once when the
// script loads and passed to every reporting component.
type Context struct {
	credential    string
	pageviewURL   string
	conversionURL string
	eventURL      string
	window        Window
	storage       identity.Storage

	mu      sync.Mutex
	pending []func(visitorID string)
}

// NewContext builds the context from the script tag. The ingestion base URL
// is the origin the script was loaded from unless the tag overrides it.
func NewContext(tag ScriptTag, win Window, storage identity.Storage) (*Context, error) {
	if strings.TrimSpace(tag.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if win == nil {
		return nil, ErrNoWindow
	}
	if storage == nil {
		storage = identity.NewMemoryStorage()
	}

	base := DefaultBaseURL
	if o := originOf(tag.Src); o != "" {
		base = o
	}
	c := &Context{
		credential:    strings.TrimSpace(tag.APIKey),
		pageviewURL:   base + PathPageview,
		conversionURL: base + PathConversion,
		eventURL:      base + PathEvent,
		window:        win,
		storage:       storage,
	}
	if tag.Endpoint != "" {
		c.pageviewURL = tag.Endpoint
		if o := originOf(tag.Endpoint); o != "" {
			c.conversionURL = o + PathConversion
			c.eventURL = o + PathEvent
		}
	}
	return c, nil
}

func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (c *Context) Credential() string { return c.credential }

// SessionID returns the session token, creating it on first use.
func (c *Context) SessionID() string { return identity.SessionToken(c.storage) }

// VisitorID returns the visitor id assigned by the collector, if known yet.
func (c *Context) VisitorID() string {
	v, _ := c.storage.Get(identity.VisitorKey)
	return v
}

// SetVisitorID stores the visitor id and releases signals waiting for it.
func (c *Context) SetVisitorID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.storage.Set(identity.VisitorKey, id)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn(id)
	}
}

// withVisitor runs fn with the visitor id: immediately when it is known,
// otherwise once SetVisitorID supplies it. It reports false when the
// pending queue is full and fn was discarded.
func (c *Context) withVisitor(fn func(visitorID string)) bool {
	c.mu.Lock()
	if v := c.VisitorID(); v != "" {
		c.mu.Unlock()
		fn(v)
		return true
	}
	if len(c.pending) >= maxPendingSignals {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
	return true
}

// rememberVisitor reads visitor_id from a pageview response.
func (c *Context) rememberVisitor(body []byte) {
	var resp struct {
		VisitorID string `json:"visitor_id"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		c.SetVisitorID(resp.VisitorID)
	}
}

// LastProduct returns the last product seen in this session.
func (c *Context) LastProduct() (Product, bool) {
	raw, ok := c.storage.Get(lastProductKey)
	if !ok || raw == "" {
		return Product{}, false
	}
	var p Product
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.empty() {
		return Product{}, false
	}
	return p, true
}

func (c *Context) SetLastProduct(p Product) {
	if p.empty() {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.storage.Set(lastProductKey, string(b))
}

// Path is the current location path.
func (c *Context) Path() string {
	if loc := c.window.Location(); loc != nil && loc.Path != "" {
		return loc.Path
	}
	return "/"
}

// Source is the page's utm_source, else the referrer hostname, else Direct.
func (c *Context) Source() string {
	if loc := c.window.Location(); loc != nil {
		if s := loc.Query().Get("utm_source"); s != "" {
			return s
		}
	}
	if ref := c.window.Referrer(); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return DirectSource
}

func (c *Context) query(key string) string {
	if loc := c.window.Location(); loc != nil {
		return loc.Query().Get(key)
	}
	return ""
}
