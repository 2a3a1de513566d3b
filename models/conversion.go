package models

import "time"

// ConversionEventType is a funnel signal reported by the client.
type ConversionEventType string

const (
	EventProductView      ConversionEventType = "product_view"
	EventInitiateCheckout ConversionEventType = "initiate_checkout"
	EventPurchase         ConversionEventType = "purchase"
)

// Valid reports whether t is one of the known funnel signals.
func (t ConversionEventType) Valid() bool {
	switch t {
	case EventProductView, EventInitiateCheckout, EventPurchase:
		return true
	default:
		return false
	}
}

// ConversionRecord is one visitor's progress through the
// view -> checkout -> purchase funnel for one site. The booleans only ever
// flip from false to true.
type ConversionRecord struct {
	ID            string     `json:"id"`
	SiteID        string     `json:"site_id"`
	VisitorID     string     `json:"visitor_id"`
	ProductName   string     `json:"product_name"`
	ProductID     string     `json:"product_id"`
	ProductPage   string     `json:"product_page"`
	Source        string     `json:"source"`
	ViewedProduct bool       `json:"viewed_product"`
	OpenedForm    bool       `json:"opened_form"`
	Purchased     bool       `json:"purchased"`
	Value         *float64   `json:"value"`
	Currency      *string    `json:"currency"`
	ProductViewAt *time.Time `json:"product_view_at"`
	FormOpenedAt  *time.Time `json:"form_opened_at"`
	PurchasedAt   *time.Time `json:"purchased_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Open reports whether the record can still absorb view and checkout signals.
func (r *ConversionRecord) Open() bool {
	return !r.Purchased
}
