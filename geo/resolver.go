// Package geo resolves best-effort visitor location from headers set by the
// hosting edge.
package geo

import (
	"net/http"
	"net/url"
	"strings"

	"conteo/collector/config"
	"conteo/collector/models"
)

// Resolver reads country, city and region from configured edge headers.
type Resolver struct {
	countryHeader string
	cityHeader    string
	regionHeader  string
}

// NewResolver builds a Resolver from the ingestion header settings.
func NewResolver(cfg config.IngestionConfig) *Resolver {
	return &Resolver{
		countryHeader: cfg.GeoCountryHeader,
		cityHeader:    cfg.GeoCityHeader,
		regionHeader:  cfg.GeoRegionHeader,
	}
}

// Resolve never fails: absent or empty headers yield nil fields.
func (r *Resolver) Resolve(req *http.Request) models.Geo {
	if r == nil {
		return models.Geo{}
	}
	return models.Geo{
		Country: header(req, r.countryHeader, strings.ToUpper),
		City:    header(req, r.cityHeader, unescape),
		Region:  header(req, r.regionHeader, nil),
	}
}

func header(req *http.Request, name string, transform func(string) string) *string {
	if name == "" {
		return nil
	}
	v := strings.TrimSpace(req.Header.Get(name))
	if v == "" {
		return nil
	}
	if transform != nil {
		v = transform(v)
	}
	return &v
}

// unescape decodes edge-encoded values such as "S%C3%A3o%20Paulo".
func unescape(v string) string {
	if decoded, err := url.QueryUnescape(v); err == nil {
		return decoded
	}
	return v
}
