package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imagevault/imagevault/internal/domain"
)

// VariantCache is a TTL-bounded hot cache in front of the variant table. Only
// uploaded variants are ever cached; any redis failure degrades to a miss.
type VariantCache struct {
	redis     redis.UniversalClient
	namespace string
	ttl       time.Duration
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewVariantCache(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger, metrics *Metrics) *VariantCache {
	return &VariantCache{
		redis:     client,
		namespace: "imagevault:variant",
		ttl:       ttl,
		logger:    logger,
		metrics:   metrics,
	}
}

func (c *VariantCache) key(assetID, transformationKey string) string {
	return c.namespace + ":" + assetID + ":" + transformationKey
}

func (c *VariantCache) Get(ctx context.Context, assetID, transformationKey string) (domain.Variant, bool) {
	raw, err := c.redis.Get(ctx, c.key(assetID, transformationKey)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("variant cache read failed")
		}
		c.metrics.miss()
		return domain.Variant{}, false
	}

	var v domain.Variant
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Debug().Err(err).Msg("variant cache entry corrupt")
		c.metrics.miss()
		return domain.Variant{}, false
	}
	c.metrics.hit()
	return v, true
}

func (c *VariantCache) Put(ctx context.Context, v domain.Variant) {
	if v.UploadedAt == nil {
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug().Err(err).Msg("variant cache marshal failed")
		return
	}
	if err := c.redis.Set(ctx, c.key(v.AssetID, v.TransformationKey), raw, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("variant cache write failed")
	}
}

func (c *VariantCache) Invalidate(ctx context.Context, assetID, transformationKey string) {
	if err := c.redis.Del(ctx, c.key(assetID, transformationKey)).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("variant cache invalidate failed")
	}
}
