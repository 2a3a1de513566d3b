package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"conteo/collector/config"
)

// Pool settings for the registry and conversion store.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 5 * time.Minute
	pgPingTimeout     = 5 * time.Second
)

type DBClient struct {
	DB  *sql.DB
	log *zap.Logger
}

// NewPostgresDB opens and pings the PostgreSQL database holding sites and
// conversion records.
func NewPostgresDB(cfg config.PostgresConfig, log *zap.Logger) (*DBClient, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pgPingTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database (ping failed): %w", err)
	}

	log.Info("Connected to PostgreSQL", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return &DBClient{DB: db, log: log}, nil
}

func (c *DBClient) Close() {
	if c.DB == nil {
		return
	}
	if err := c.DB.Close(); err != nil {
		c.log.Error("Error closing database connection", zap.Error(err))
		return
	}
	c.log.Info("PostgreSQL connection closed")
}
