package models

// Site is a registered site as seen by the ingestion core. Sites are created
// and edited by account management; this service only reads them.
type Site struct {
	ID                        string `json:"id"`
	Domain                    string `json:"domain"`
	Credential                string `json:"api_key"`
	ConversionTrackingEnabled bool   `json:"cod_tracking_enabled"`
}
