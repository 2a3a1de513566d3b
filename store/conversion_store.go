package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conteo/collector/funnel"
	"conteo/collector/models"
)

const conversionColumns = `id, site_id, visitor_id, product_name, product_id, product_page, source,
	viewed_product, opened_form, purchased, value, currency,
	product_view_at, form_opened_at, purchased_at, created_at`

// ConversionStore persists funnel records in PostgreSQL.
type ConversionStore struct {
	db *sql.DB
}

// NewConversionStore creates a new ConversionStore instance.
func NewConversionStore(db *sql.DB) *ConversionStore {
	return &ConversionStore{db: db}
}

// MergeConversion runs merge under a transaction-scoped advisory lock on
// (site, visitor), so concurrent signals for one visitor serialize and never
// create duplicate open records.
func (s *ConversionStore) MergeConversion(ctx context.Context, siteID, visitorID string, merge funnel.MergeFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin conversion transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, siteID+":"+visitorID); err != nil {
		return false, fmt.Errorf("failed to lock visitor funnel: %w", err)
	}

	var c funnel.Candidates
	c.Latest, err = latestConversion(ctx, tx, siteID, visitorID, false)
	if err != nil {
		return false, err
	}
	switch {
	case c.Latest == nil:
	case c.Latest.Open():
		c.LatestOpen = c.Latest
	default:
		c.LatestOpen, err = latestConversion(ctx, tx, siteID, visitorID, true)
		if err != nil {
			return false, err
		}
	}

	rec, insert := merge(c)
	if insert {
		err = insertConversion(ctx, tx, &rec)
	} else {
		err = updateConversion(ctx, tx, &rec)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit conversion: %w", err)
	}
	return insert, nil
}

// latestConversion loads the newest record for a visitor, optionally only
// among open ones. Ties on created_at are broken by id.
func latestConversion(ctx context.Context, tx *sql.Tx, siteID, visitorID string, openOnly bool) (*models.ConversionRecord, error) {
	query := `SELECT ` + conversionColumns + `
		FROM cod_conversions
		WHERE site_id = $1 AND visitor_id = $2`
	if openOnly {
		query += ` AND purchased = false`
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`

	rec, err := scanConversion(tx.QueryRowContext(ctx, query, siteID, visitorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion record: %w", err)
	}
	return rec, nil
}

func scanConversion(row *sql.Row) (*models.ConversionRecord, error) {
	var (
		rec                         models.ConversionRecord
		value                       sql.NullFloat64
		currency                    sql.NullString
		viewAt, formAt, purchasedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.SiteID, &rec.VisitorID,
		&rec.ProductName, &rec.ProductID, &rec.ProductPage, &rec.Source,
		&rec.ViewedProduct, &rec.OpenedForm, &rec.Purchased,
		&value, &currency,
		&viewAt, &formAt, &purchasedAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if value.Valid {
		rec.Value = &value.Float64
	}
	if currency.Valid {
		rec.Currency = &currency.String
	}
	rec.ProductViewAt = timePtr(viewAt)
	rec.FormOpenedAt = timePtr(formAt)
	rec.PurchasedAt = timePtr(purchasedAt)
	return &rec, nil
}

func insertConversion(ctx context.Context, tx *sql.Tx, rec *models.ConversionRecord) error {
	rec.ID = uuid.NewString()
	query := `
		INSERT INTO cod_conversions (
			id, site_id, visitor_id, product_name, product_id, product_page, source,
			viewed_product, opened_form, purchased, value, currency,
			product_view_at, form_opened_at, purchased_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at;
	`
	err := tx.QueryRowContext(ctx, query,
		rec.ID, rec.SiteID, rec.VisitorID, rec.ProductName, rec.ProductID, rec.ProductPage, rec.Source,
		rec.ViewedProduct, rec.OpenedForm, rec.Purchased, rec.Value, rec.Currency,
		rec.ProductViewAt, rec.FormOpenedAt, rec.PurchasedAt,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversion record: %w", err)
	}
	return nil
}

func updateConversion(ctx context.Context, tx *sql.Tx, rec *models.ConversionRecord) error {
	query := `
		UPDATE cod_conversions SET
			product_name = $2, product_id = $3, product_page = $4, source = $5,
			viewed_product = $6, opened_form = $7, purchased = $8,
			value = $9, currency = $10,
			product_view_at = $11, form_opened_at = $12, purchased_at = $13
		WHERE id = $1;
	`
	res, err := tx.ExecContext(ctx, query,
		rec.ID, rec.ProductName, rec.ProductID, rec.ProductPage, rec.Source,
		rec.ViewedProduct, rec.OpenedForm, rec.Purchased,
		rec.Value, rec.Currency,
		rec.ProductViewAt, rec.FormOpenedAt, rec.PurchasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversion record %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversion record %s vanished during update", rec.ID)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
