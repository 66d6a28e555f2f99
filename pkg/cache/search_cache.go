package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikeboe/report-helper/pkg/metrics"
	"github.com/mikeboe/report-helper/pkg/search"
)

const keyPrefix = "websearch:"

// CachingSearcher stores web search hits in Redis. The cache is best-effort: read
// and write failures fall through to the wrapped searcher.
type CachingSearcher struct {
	next     search.WebSearcher
	provider string
	redis    *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
}

func NewCachingSearcher(next search.WebSearcher, provider string, client *redis.Client, ttl time.Duration) *CachingSearcher {
	return &CachingSearcher{
		next:     next,
		provider: provider,
		redis:    client,
		ttl:      ttl,
		logger:   slog.Default(),
	}
}

func (c *CachingSearcher) WithLogger(logger *slog.Logger) *CachingSearcher {
	c.logger = logger
	return c
}

// Key returns the cache key of a provider/query pair.
func Key(provider, query string) string {
	sum := md5.Sum([]byte(provider + "|" + query))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachingSearcher) Search(ctx context.Context, query string) ([]search.WebHit, error) {
	key := Key(c.provider, query)

	if hits, ok := c.get(ctx, key); ok {
		metrics.SearchCacheLookups.WithLabelValues("hit").Inc()
		return hits, nil
	}
	metrics.SearchCacheLookups.WithLabelValues("miss").Inc()

	hits, err := c.next.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, hits)
	return hits, nil
}

func (c *CachingSearcher) get(ctx context.Context, key string) ([]search.WebHit, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Search cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var hits []search.WebHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		c.logger.Warn("Search cache entry corrupt", "key", key, "error", err)
		return nil, false
	}
	return hits, true
}

func (c *CachingSearcher) set(ctx context.Context, key string, hits []search.WebHit) {
	if c.redis == nil || len(hits) == 0 {
		return
	}
	raw, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("Search cache write failed", "key", key, "error", err)
	}
}
