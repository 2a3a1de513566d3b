package tracker

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"conteo/collector/identity"
)

const (
	testKey = "pk_live_abcdef123456"
	testUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

type fakeWindow struct {
	mu       sync.Mutex
	location string
	referrer string
}

func (w *fakeWindow) Location() *url.URL {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, _ := url.Parse(w.location)
	return u
}

func (w *fakeWindow) navigate(loc string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.location = loc
}

func (w *fakeWindow) Referrer() string       { return w.referrer }
func (w *fakeWindow) UserAgent() string      { return testUA }
func (w *fakeWindow) ScreenSize() (int, int) { return 390, 844 }

type delivery struct {
	URL  string
	Body map[string]any
}

type recordingBeacon struct {
	mu     sync.Mutex
	calls  []delivery
	refuse bool
}

func (b *recordingBeacon) SendBeacon(u string, body []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return false
	}
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	b.calls = append(b.calls, delivery{URL: u, Body: m})
	return true
}

func (b *recordingBeacon) sent() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery(nil), b.calls...)
}

// collector is a stand-in ingestion server recording every POST.
type collector struct {
	*httptest.Server
	mu       sync.Mutex
	received []delivery
	status   int
	hold     chan struct{}
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{status: http.StatusOK}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)

		c.mu.Lock()
		c.received = append(c.received, delivery{URL: r.URL.Path, Body: m})
		status := c.status
		hold := c.hold
		c.mu.Unlock()

		if hold != nil && r.URL.Path == PathPageview {
			<-hold
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if r.URL.Path == PathPageview {
			_, _ = w.Write([]byte(`{"success":true,"visitor_id":"v-from-server"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collector) setStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// holdPageviews delays pageview responses until the returned channel closes.
func (c *collector) holdPageviews() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = make(chan struct{})
	return c.hold
}

func (c *collector) requests() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.received...)
}

func newTestContext(t *testing.T, base string, win Window) *Context {
	t.Helper()
	ctx, err := NewContext(ScriptTag{Src: base + "/tracker.js", APIKey: testKey}, win, identity.NewMemoryStorage())
	require.NoError(t, err)
	return ctx
}
