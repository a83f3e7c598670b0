package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dartcloud/dartcloud/internal/cache"
	"github.com/dartcloud/dartcloud/internal/domain"
	"github.com/dartcloud/dartcloud/internal/logging"
)

// DefaultCacheTTL bounds the inconsistency window when the database is edited
// out of band or multiple engine instances share a store.
const DefaultCacheTTL = 5 * time.Second

// CachedStore wraps a Store and caches the reads on the invocation hot path:
// function lookups and the active deployment. Writes that can move the active
// pointer invalidate the affected entries immediately; the TTL is the safety
// net.
type CachedStore struct {
	Store

	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps underlying with c. Pass ttl <= 0 for the default.
func NewCachedStore(underlying Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: underlying, cache: c, ttl: ttl}
}

// Close closes the cache before the underlying store.
func (c *CachedStore) Close() {
	if err := c.cache.Close(); err != nil {
		logging.Op().Warn("close cache", "error", err)
	}
	c.Store.Close()
}

func (c *CachedStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	key := "fn:" + id
	var fn domain.Function
	if c.load(ctx, key, &fn) {
		return &fn, nil
	}

	got, err := c.Store.GetFunction(ctx, id)
	if err != nil {
		return nil, err
	}
	c.save(ctx, key, got)
	return got, nil
}

func (c *CachedStore) GetActiveDeployment(ctx context.Context, functionID string) (*domain.Deployment, error) {
	key := "active:" + functionID
	var dep domain.Deployment
	if c.load(ctx, key, &dep) {
		return &dep, nil
	}

	got, err := c.Store.GetActiveDeployment(ctx, functionID)
	if err != nil {
		return nil, err
	}
	c.save(ctx, key, got)
	return got, nil
}

func (c *CachedStore) SetFunctionStatus(ctx context.Context, id string, status domain.FunctionStatus) error {
	err := c.Store.SetFunctionStatus(ctx, id, status)
	c.invalidate(ctx, id)
	return err
}

func (c *CachedStore) DeleteFunction(ctx context.Context, id string) error {
	err := c.Store.DeleteFunction(ctx, id)
	c.invalidate(ctx, id)
	return err
}

func (c *CachedStore) ActivateDeployment(ctx context.Context, functionID, deploymentID string) (string, error) {
	tag, err := c.Store.ActivateDeployment(ctx, functionID, deploymentID)
	c.invalidate(ctx, functionID)
	return tag, err
}

func (c *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (c *CachedStore) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		logging.Op().Debug("cache set failed", "key", key, "error", err)
	}
}

func (c *CachedStore) invalidate(ctx context.Context, functionID string) {
	c.cache.Delete(ctx, "fn:"+functionID)
	c.cache.Delete(ctx, "active:"+functionID)
}
