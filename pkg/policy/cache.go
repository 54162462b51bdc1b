package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/mesh/pkg/canonicalize"
)

// epochKey is the Redis counter that versions every cached decision.
// Bumping it on policy changes invalidates the whole cache at once.
const epochKey = "mesh:policy:epoch"

const defaultCacheTTL = 30 * time.Second

// CachedClient layers a TTL-bounded decision cache over an inner Client.
// Keys carry the policy epoch, so UploadPolicy and DeletePolicy invalidate
// every cached decision with a single INCR. The cache is an optimization
// only: any Redis fault falls through to the evaluator.
type CachedClient struct {
	inner  Client
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// WithCache wraps inner with a Redis decision cache. A nil client returns
// inner unchanged, so callers can wire the cache unconditionally.
func WithCache(inner Client, rdb *redis.Client, ttl time.Duration) Client {
	if rdb == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedClient{
		inner:  inner,
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.Default().With("component", "policy_cache"),
	}
}

// Evaluate serves a cached decision when one exists for the current
// policy epoch, otherwise asks the inner client and caches the verdict.
func (c *CachedClient) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	key := c.decisionKey(ctx, in)
	if key != "" {
		raw, err := c.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			var dec Decision
			if json.Unmarshal([]byte(raw), &dec) == nil {
				return &dec, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.Debug("decision cache read failed", "error", err)
		}
	}

	dec, err := c.inner.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}

	if key != "" {
		raw, merr := json.Marshal(dec)
		if merr == nil {
			if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Debug("decision cache write failed", "error", err)
			}
		}
	}
	return dec, nil
}

// UploadPolicy delegates and, on success, invalidates cached decisions.
func (c *CachedClient) UploadPolicy(ctx context.Context, policyID, body string) error {
	if err := c.inner.UploadPolicy(ctx, policyID, body); err != nil {
		return err
	}
	c.bumpEpoch(ctx)
	return nil
}

// DeletePolicy delegates and, on success, invalidates cached decisions.
func (c *CachedClient) DeletePolicy(ctx context.Context, policyID string) error {
	if err := c.inner.DeletePolicy(ctx, policyID); err != nil {
		return err
	}
	c.bumpEpoch(ctx)
	return nil
}

func (c *CachedClient) ListPolicies(ctx context.Context) ([]string, error) {
	return c.inner.ListPolicies(ctx)
}

func (c *CachedClient) GetPolicy(ctx context.Context, policyID string) (*EvaluatorPolicy, error) {
	return c.inner.GetPolicy(ctx, policyID)
}

func (c *CachedClient) GetPolicyContent(ctx context.Context, policyID string) (string, error) {
	return c.inner.GetPolicyContent(ctx, policyID)
}

func (c *CachedClient) Healthy(ctx context.Context) bool {
	return c.inner.Healthy(ctx)
}

// decisionKey builds "mesh:decision:<epoch>:<fingerprint>". An empty
// string disables caching for this call.
func (c *CachedClient) decisionKey(ctx context.Context, in Input) string {
	fp, err := canonicalize.Fingerprint(in)
	if err != nil {
		return ""
	}
	epoch, err := c.rdb.Get(ctx, epochKey).Result()
	if errors.Is(err, redis.Nil) {
		epoch = "0"
	} else if err != nil {
		c.logger.Debug("policy epoch read failed", "error", err)
		return ""
	}
	return "mesh:decision:" + epoch + ":" + fp
}

func (c *CachedClient) bumpEpoch(ctx context.Context) {
	if err := c.rdb.Incr(ctx, epochKey).Err(); err != nil {
		c.logger.Warn("policy epoch bump failed, cached decisions live until TTL", "error", err)
	}
}
