package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"conteo/collector/logger"
	"conteo/collector/metrics"
	"conteo/collector/models"
)

const siteCacheKeyPrefix = "site:cred:"

// SiteLookup resolves a site from its credential.
type SiteLookup interface {
	LookupByCredential(ctx context.Context, credential string) (*models.Site, error)
}

// CachedSiteStore is a read-through Redis cache in front of a SiteLookup.
// Redis failures fall through to the underlying store. Unknown credentials
// are not cached.
type CachedSiteStore struct {
	next    SiteLookup
	client  redis.Cmdable
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewCachedSiteStore wraps next with a Redis cache.
func NewCachedSiteStore(next SiteLookup, client redis.Cmdable, ttl time.Duration, log *zap.Logger, m *metrics.Metrics) *CachedSiteStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedSiteStore{next: next, client: client, ttl: ttl, log: log, metrics: m}
}

// LookupByCredential returns the cached site or loads and caches it.
func (c *CachedSiteStore) LookupByCredential(ctx context.Context, credential string) (*models.Site, error) {
	key := siteCacheKey(credential)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var site models.Site
		if jsonErr := json.Unmarshal(data, &site); jsonErr == nil {
			c.metrics.RecordSiteCache(metrics.CacheHit)
			return &site, nil
		}
		c.metrics.RecordSiteCache(metrics.CacheError)
		c.log.Warn("Discarding undecodable site cache entry", zap.String("credential", logger.CredentialPrefix(credential)))
	case errors.Is(err, redis.Nil):
		c.metrics.RecordSiteCache(metrics.CacheMiss)
	default:
		c.metrics.RecordSiteCache(metrics.CacheError)
		c.log.Warn("Site cache read failed", zap.Error(err))
	}

	site, err := c.next.LookupByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(site)
	if err != nil {
		return site, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.log.Warn("Site cache write failed", zap.Error(err))
	}
	return site, nil
}

// Invalidate drops the cached entry for credential.
func (c *CachedSiteStore) Invalidate(ctx context.Context, credential string) error {
	if err := c.client.Del(ctx, siteCacheKey(credential)).Err(); err != nil {
		return fmt.Errorf("invalidate site cache: %w", err)
	}
	return nil
}

// siteCacheKey hashes the credential so raw keys never land in Redis.
func siteCacheKey(credential string) string {
	sum := blake2b.Sum256([]byte(credential))
	return siteCacheKeyPrefix + hex.EncodeToString(sum[:])
}
