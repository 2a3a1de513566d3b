package models

import (
	"time"
)

// Geo is the best-effort location resolved at the network edge. Every field
// is nil when the edge provides nothing.
type Geo struct {
	Country *string `json:"country"`
	City    *string `json:"city"`
	Region  *string `json:"region"`
}

// UTM holds campaign parameters reported by the client.
type UTM struct {
	Source   *string `json:"utm_source"`
	Medium   *string `json:"utm_medium"`
	Campaign *string `json:"utm_campaign"`
	Content  *string `json:"utm_content"`
	Term     *string `json:"utm_term"`
}

// Pageview is one observed navigation. Rows are append-only.
type Pageview struct {
	EventID        string    `json:"eventId"`
	SiteID         string    `json:"site_id"`
	VisitorID      string    `json:"visitor_id"`
	Path           string    `json:"path"`
	ReferrerDomain string    `json:"referrer"`
	UserAgent      string    `json:"user_agent"`
	Browser        string    `json:"browser"`
	OS             string    `json:"os"`
	DeviceClass    string    `json:"device"`
	Geo            Geo       `json:"geo"`
	UTM            UTM       `json:"utm"`
	ScreenWidth    *int32    `json:"screen_width,omitempty"`
	ScreenHeight   *int32    `json:"screen_height,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// CustomEvent is a site-specific named event with a property bag.
// Rows are append-only.
type CustomEvent struct {
	EventID    string            `json:"eventId"`
	SiteID     string            `json:"site_id"`
	VisitorID  string            `json:"visitor_id"`
	SessionID  *string           `json:"session_id"`
	EventName  string            `json:"event_name"`
	Properties map[string]string `json:"properties"`
	Path       *string           `json:"path"`
	Referrer   *string           `json:"referrer"`
	Source     string            `json:"source"`
	Device     *string           `json:"device"`
	Browser    *string           `json:"browser"`
	Country    *string           `json:"country"`
	Timestamp  time.Time         `json:"timestamp"`
}
