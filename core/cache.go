package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	bundleLocalMaxKeys = 2048
	bundleKVTTL        = time.Minute
	bundleGenKey       = "bundle:gen"
)

// bundleCache is the two-tier read-through cache in front of bundle
// loads: a short-TTL in-process tier over the shared KV. Loads are
// deduplicated with singleflight.
type bundleCache struct {
	local cache.Cache
	kv    KV
	ttl   time.Duration
	log   *zap.SugaredLogger
	sf    singleflight.Group
}

func newBundleCache(kv KV, ttl time.Duration, log *zap.SugaredLogger) (*bundleCache, error) {
	local, err := cache.NewCache(cache.MaxKeys(bundleLocalMaxKeys), cache.TTL(ttl), cache.LRU())
	if err != nil {
		return nil, err
	}
	return &bundleCache{local: local, kv: kv, ttl: ttl, log: log}, nil
}

// Get returns the endpoint's bundle, loading through both tiers on
// miss.
func (bc *bundleCache) Get(ctx context.Context, endpointID string, load func(context.Context) (*Bundle, error)) (*Bundle, error) {
	if v, ok := bc.local.Get(endpointID); ok {
		return v.(*Bundle), nil
	}

	key, err := bc.kvKey(ctx, endpointID)
	if err == nil && bc.kv != nil {
		if raw, ok, kvErr := bc.kv.Get(ctx, key); kvErr == nil && ok {
			var b Bundle
			if err := json.Unmarshal([]byte(raw), &b); err == nil {
				bc.local.Set(endpointID, &b, bc.ttl)
				return &b, nil
			}
		}
	}

	v, err, _ := bc.sf.Do(endpointID, func() (any, error) {
		b, err := load(ctx)
		if err != nil {
			return nil, err
		}

		bc.local.Set(endpointID, b, bc.ttl)
		if bc.kv != nil {
			if raw, err := json.Marshal(b); err == nil {
				if key, err := bc.kvKey(ctx, endpointID); err == nil {
					if err := bc.kv.Set(ctx, key, string(raw), bundleKVTTL); err != nil {
						bc.log.Debugw("bundle kv set", "endpoint", endpointID, "error", err)
					}
				}
			}
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

// Invalidate clears one endpoint from both tiers.
func (bc *bundleCache) Invalidate(ctx context.Context, endpointID string) {
	bc.local.Invalidate(endpointID)
	if bc.kv == nil {
		return
	}
	if key, err := bc.kvKey(ctx, endpointID); err == nil {
		if err := bc.kv.Delete(ctx, key); err != nil {
			bc.log.Debugw("bundle kv delete", "endpoint", endpointID, "error", err)
		}
	}
}

// InvalidateAll wipes the local tier and bumps the KV generation so
// every node's KV entries go stale at once.
func (bc *bundleCache) InvalidateAll(ctx context.Context) {
	bc.local.Purge()
	if bc.kv == nil {
		return
	}
	if _, err := bc.kv.IncrBy(ctx, bundleGenKey, 1); err != nil {
		bc.log.Debugw("bundle generation bump", "error", err)
	}
}

// kvKey embeds the shared generation counter so InvalidateAll works
// across nodes without scanning keys.
func (bc *bundleCache) kvKey(ctx context.Context, endpointID string) (string, error) {
	if bc.kv == nil {
		return "", fmt.Errorf("no kv configured")
	}
	gen, _, err := bc.kv.Get(ctx, bundleGenKey)
	if err != nil {
		return "", err
	}
	if gen == "" {
		gen = "0"
	}
	return "bundle:" + gen + ":" + endpointID, nil
}
