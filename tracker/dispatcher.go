package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPostTimeout = 10 * time.Second
	maxResponseBytes   = 64 << 10
)

// Beacon is a page-unload-safe delivery path. SendBeacon reports whether the
// payload was queued.
type Beacon interface {
	SendBeacon(url string, body []byte) bool
}

// Dispatcher delivers payloads to the collector. Delivery is fire-and-forget:
// nothing is retried and failures are only logged at debug level.
type Dispatcher struct {
	beacon Beacon
	client *http.Client
	log    *zap.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. beacon may be nil.
func NewDispatcher(beacon Beacon, client *http.Client, log *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: defaultPostTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{beacon: beacon, client: client, log: log}
}

// Send uses the beacon when available and falls back to an asynchronous POST.
func (d *Dispatcher) Send(endpoint string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Debug("Tracker payload not encodable", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	if d.beacon != nil && d.sendBeacon(endpoint, body) {
		return
	}
	d.post(endpoint, body, nil)
}

// SendWithResponse always posts asynchronously and hands a successful
// response body to onResponse.
func (d *Dispatcher) SendWithResponse(endpoint string, payload any, onResponse func([]byte)) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Debug("Tracker payload not encodable", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	d.post(endpoint, body, onResponse)
}

// Wait blocks until in-flight posts finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) sendBeacon(endpoint string, body []byte) (queued bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("Beacon failed", zap.Any("panic", r))
			queued = false
		}
	}()
	return d.beacon.SendBeacon(endpoint, body)
}

func (d *Dispatcher) post(endpoint string, body []byte, onResponse func([]byte)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Debug("Tracker delivery panicked", zap.Any("panic", r))
			}
		}()

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			d.log.Debug("Tracker request not built", zap.String("endpoint", endpoint), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.log.Debug("Tracker delivery failed", zap.String("endpoint", endpoint), zap.Error(err))
			return
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil || resp.StatusCode >= http.StatusMultipleChoices {
			d.log.Debug("Tracker delivery rejected", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode))
			return
		}
		if onResponse != nil {
			onResponse(data)
		}
	}()
}
