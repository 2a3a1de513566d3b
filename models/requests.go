package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Credentials carries the site credential. Older embeds send it as api_key.
type Credentials struct {
	Credential string `json:"credential"`
	APIKey     string `json:"api_key"`
}

// Key returns the presented credential, preferring the credential field.
func (c Credentials) Key() string {
	if c.Credential != "" {
		return c.Credential
	}
	return c.APIKey
}

// PageviewRequest is the body of POST /api/track.
type PageviewRequest struct {
	Credentials
	Path         string `json:"path"`
	Referrer     string `json:"referrer"`
	UserAgent    string `json:"user_agent"`
	UTMSource    string `json:"utm_source"`
	UTMMedium    string `json:"utm_medium"`
	UTMCampaign  string `json:"utm_campaign"`
	UTMContent   string `json:"utm_content"`
	UTMTerm      string `json:"utm_term"`
	ScreenWidth  *int32 `json:"screen_width"`
	ScreenHeight *int32 `json:"screen_height"`
}

// ConversionRequest is the body of POST /api/track-cod.
type ConversionRequest struct {
	Credentials
	VisitorID   string              `json:"visitor_id"`
	EventType   ConversionEventType `json:"event_type"`
	ProductID   FlexString          `json:"product_id"`
	ProductName string              `json:"product_name"`
	ProductPage string              `json:"product_page"`
	Value       *FlexFloat          `json:"value"`
	Currency    string              `json:"currency"`
	Source      string              `json:"source"`
}

// CustomEventRequest is the body of POST /api/track-event.
type CustomEventRequest struct {
	Credentials
	VisitorID  string         `json:"visitor_id"`
	SessionID  string         `json:"session_id"`
	EventName  string         `json:"event_name"`
	Properties map[string]any `json:"properties"`
	Path       string         `json:"path"`
	Referrer   string         `json:"referrer"`
	Source     string         `json:"source"`
	Device     string         `json:"device"`
	Browser    string         `json:"browser"`
	Country    string         `json:"country"`
}

// StringProperties flattens the property bag to strings. Nested values are
// kept as their JSON encoding.
func (r *CustomEventRequest) StringProperties() map[string]string {
	out := make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// FlexFloat accepts a JSON number or a numeric string. Pixel payloads send both.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("value %q is not numeric: %w", s, err)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// FlexString accepts a JSON string or number (product ids arrive as both).
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}
