package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 10 * time.Minute

// CachedVerifier remembers successful verifications in Redis. Rejections
// are never cached so a key bought a minute ago is not locked out.
type CachedVerifier struct {
	next  Verifier
	redis *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

func NewCachedVerifier(next Verifier, rdb *redis.Client, log *slog.Logger) *CachedVerifier {
	if log == nil {
		log = slog.Default()
	}
	return &CachedVerifier{next: next, redis: rdb, ttl: cacheTTL, log: log}
}

func cacheKey(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return "license:verify:" + hex.EncodeToString(sum[:])
}

func (c *CachedVerifier) Verify(ctx context.Context, licenseKey string) (*Purchase, error) {
	key := cacheKey(licenseKey)
	raw, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Purchase
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil && p.Email != "" {
			return &p, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.Warn("license cache read failed", "error", err)
	}

	p, err := c.next.Verify(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		if err := c.redis.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn("license cache write failed", "error", err)
		}
	}
	return p, nil
}
