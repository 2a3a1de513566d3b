package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"conteo/collector/models"
)

// ErrSiteNotFound is returned when no site owns the presented credential.
var ErrSiteNotFound = errors.New("site not found")

// SiteStore reads registered sites from PostgreSQL. Sites are managed
// elsewhere; the collector never writes them.
type SiteStore struct {
	db *sql.DB
}

// NewSiteStore creates a new SiteStore instance.
func NewSiteStore(db *sql.DB) *SiteStore {
	return &SiteStore{db: db}
}

// LookupByCredential resolves a site by its public credential.
func (s *SiteStore) LookupByCredential(ctx context.Context, credential string) (*models.Site, error) {
	site := &models.Site{}
	query := `
		SELECT id, domain, api_key, cod_tracking_enabled
		FROM sites
		WHERE api_key = $1;
	`
	err := s.db.QueryRowContext(ctx, query, credential).Scan(
		&site.ID,
		&site.Domain,
		&site.Credential,
		&site.ConversionTrackingEnabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("failed to look up site by credential: %w", err)
	}

	return site, nil
}
