// Package cache provides the Redis-backed evidence bundle cache.
//
// Bundles are keyed by {anchor_id, policy_fp, snapshot_etag}; a per-anchor
// pointer key tracks the latest composite key so a probe can run before the
// current snapshot etag is known. Cache trouble is never fatal: every failure
// degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/gateway/pkg/contracts"
	"github.com/batvault/gateway/pkg/observability"
)

const pointerPrefix = "ptr:"

// EvidenceCache caches evidence bundles with TTL semantics.
type EvidenceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// New builds an evidence cache over an existing Redis client.
func New(rdb *redis.Client, ttl time.Duration, logger *observability.Logger) *EvidenceCache {
	return &EvidenceCache{rdb: rdb, ttl: ttl, logger: logger}
}

// CompositeKey is the exact bundle key.
func CompositeKey(anchorID, policyFP, snapshotETag string) string {
	return fmt.Sprintf("evidence:%s:%s:%s", anchorID, policyFP, snapshotETag)
}

// pointerKey tracks the latest composite key for an anchor under a policy.
func pointerKey(anchorID, policyFP string) string {
	return fmt.Sprintf("evidence:%s:%s:latest", anchorID, policyFP)
}

// cachedBundle is the stored form; the etag is not part of the bundle's wire
// shape so it is carried alongside.
type cachedBundle struct {
	Bundle       contracts.EvidenceBundle `json:"bundle"`
	SnapshotETag string                   `json:"snapshot_etag"`
}

// Probe looks up the freshest cached bundle for an anchor without knowing
// the current snapshot etag. Three layouts are supported: the pointer key
// holding a direct blob, the pointer key referencing a composite key, and a
// stale pointer whose target expired (a miss, never an error).
func (c *EvidenceCache) Probe(ctx context.Context, anchorID, policyFP string) (*contracts.EvidenceBundle, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	val, err := c.rdb.Get(ctx, pointerKey(anchorID, policyFP)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn(ctx, "evidence", "cache_unavailable", "error", err.Error())
		}
		return nil, false
	}

	// Layout 1: direct blob under the pointer key.
	if strings.HasPrefix(val, "{") {
		return c.decode(ctx, val)
	}

	// Layout 2: pointer to a composite key.
	target := strings.TrimPrefix(val, pointerPrefix)
	blob, err := c.rdb.Get(ctx, target).Result()
	if err != nil {
		// Layout 3: stale pointer. Treat as a miss, do not surface.
		return nil, false
	}
	return c.decode(ctx, blob)
}

// Get looks up the bundle under its exact composite key.
func (c *EvidenceCache) Get(ctx context.Context, anchorID, policyFP, snapshotETag string) (*contracts.EvidenceBundle, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	blob, err := c.rdb.Get(ctx, CompositeKey(anchorID, policyFP, snapshotETag)).Result()
	if err != nil {
		return nil, false
	}
	return c.decode(ctx, blob)
}

func (c *EvidenceCache) decode(ctx context.Context, blob string) (*contracts.EvidenceBundle, bool) {
	var stored cachedBundle
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		c.logger.Warn(ctx, "evidence", "cache_decode_failed", "error", err.Error())
		return nil, false
	}
	if stored.Bundle.Anchor.ID == "" {
		return nil, false
	}
	stored.Bundle.SnapshotETag = stored.SnapshotETag
	return &stored.Bundle, true
}

// Put writes the bundle under its composite key and refreshes the pointer.
// Failures are logged and ignored.
func (c *EvidenceCache) Put(ctx context.Context, policyFP string, bundle *contracts.EvidenceBundle) {
	if c == nil || c.rdb == nil || bundle == nil || bundle.Anchor.ID == "" {
		return
	}

	blob, err := json.Marshal(cachedBundle{Bundle: *bundle, SnapshotETag: bundle.SnapshotETag})
	if err != nil {
		c.logger.Warn(ctx, "evidence", "cache_encode_failed", "error", err.Error())
		return
	}

	composite := CompositeKey(bundle.Anchor.ID, policyFP, bundle.SnapshotETag)
	if err := c.rdb.SetEx(ctx, composite, blob, c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "evidence", "cache_write_failed", "error", err.Error())
		return
	}
	if err := c.rdb.SetEx(ctx, pointerKey(bundle.Anchor.ID, policyFP), pointerPrefix+composite, c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "evidence", "cache_pointer_failed", "error", err.Error())
	}
}

// Ping reports cache reachability for readiness probes.
func (c *EvidenceCache) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("cache not configured")
	}
	return c.rdb.Ping(ctx).Err()
}
