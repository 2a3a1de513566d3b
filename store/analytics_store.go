package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"conteo/collector/models"
)

// Event store schema. Tables are append-only MergeTree tables ordered for
// per-site time-range scans by the reporting side.
var analyticsSchema = []string{
	`CREATE TABLE IF NOT EXISTS pageviews (
		event_id      String,
		site_id       String,
		visitor_id    String,
		path          String,
		referrer      String,
		user_agent    String,
		browser       LowCardinality(String),
		os            LowCardinality(String),
		device        LowCardinality(String),
		country       Nullable(String),
		city          Nullable(String),
		region        Nullable(String),
		utm_source    Nullable(String),
		utm_medium    Nullable(String),
		utm_campaign  Nullable(String),
		utm_content   Nullable(String),
		utm_term      Nullable(String),
		screen_width  Nullable(Int32),
		screen_height Nullable(Int32),
		timestamp     DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (site_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS custom_events (
		event_id   String,
		site_id    String,
		visitor_id String,
		session_id Nullable(String),
		event_name LowCardinality(String),
		properties Map(String, String),
		path       Nullable(String),
		referrer   Nullable(String),
		source     String,
		device     Nullable(String),
		browser    Nullable(String),
		country    Nullable(String),
		timestamp  DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (site_id, event_name, timestamp)`,
}

// AnalyticsStore appends pageviews and custom events to ClickHouse.
type AnalyticsStore struct {
	conn clickhouse.Conn
	log  *zap.Logger
}

func NewAnalyticsStore(conn clickhouse.Conn, log *zap.Logger) *AnalyticsStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &AnalyticsStore{conn: conn, log: log}
}

// EnsureSchema creates the event tables if they do not exist.
func (s *AnalyticsStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range analyticsSchema {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply event schema: %w", err)
		}
	}
	return nil
}

// InsertPageview appends one pageview.
func (s *AnalyticsStore) InsertPageview(ctx context.Context, pv models.Pageview) error {
	return s.InsertPageviews(ctx, []models.Pageview{pv})
}

// InsertPageviews appends pageviews in a single batch.
func (s *AnalyticsStore) InsertPageviews(ctx context.Context, pageviews []models.Pageview) error {
	if len(pageviews) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pageviews (
			event_id, site_id, visitor_id, path, referrer, user_agent, browser, os, device,
			country, city, region, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
			screen_width, screen_height, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare pageview batch: %w", err)
	}

	for _, pv := range pageviews {
		err := batch.Append(
			pv.EventID,
			pv.SiteID,
			pv.VisitorID,
			pv.Path,
			pv.ReferrerDomain,
			pv.UserAgent,
			pv.Browser,
			pv.OS,
			pv.DeviceClass,
			pv.Geo.Country,
			pv.Geo.City,
			pv.Geo.Region,
			pv.UTM.Source,
			pv.UTM.Medium,
			pv.UTM.Campaign,
			pv.UTM.Content,
			pv.UTM.Term,
			pv.ScreenWidth,
			pv.ScreenHeight,
			pv.Timestamp,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append pageview %s: %w", pv.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send pageview batch: %w", err)
	}

	s.log.Debug("Inserted pageviews", zap.Int("count", len(pageviews)))
	return nil
}

// InsertCustomEvent appends one custom event.
func (s *AnalyticsStore) InsertCustomEvent(ctx context.Context, ev models.CustomEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO custom_events (
			event_id, site_id, visitor_id, session_id, event_name, properties,
			path, referrer, source, device, browser, country, timestamp
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare custom event batch: %w", err)
	}

	props := ev.Properties
	if props == nil {
		props = map[string]string{}
	}

	err = batch.Append(
		ev.EventID,
		ev.SiteID,
		ev.VisitorID,
		ev.SessionID,
		ev.EventName,
		props,
		ev.Path,
		ev.Referrer,
		ev.Source,
		ev.Device,
		ev.Browser,
		ev.Country,
		ev.Timestamp,
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append custom event %s: %w", ev.EventID, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send custom event batch: %w", err)
	}

	s.log.Debug("Inserted custom event", zap.String("event_name", ev.EventName))
	return nil
}
