package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeduel/internal/record"
)

// CachedRepository wraps a primary record.Repository with a Redis
// read-through cache for match documents. Writes go to the primary and
// refresh or drop the cached copy; a Redis outage degrades to primary reads.
type CachedRepository struct {
	record.Repository
	rdb *redis.Client
	ttl time.Duration
}

var _ record.Repository = (*CachedRepository)(nil)

// NewCachedRepository creates a cached wrapper around a primary repository
func NewCachedRepository(primary record.Repository, rdb *redis.Client, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		Repository: primary,
		rdb:        rdb,
		ttl:        ttl,
	}
}

// --- Write-through ---

func (c *CachedRepository) CreateMatch(ctx context.Context, m *record.Match) error {
	if err := c.Repository.CreateMatch(ctx, m); err != nil {
		return err
	}
	c.cacheMatch(ctx, m)
	return nil
}

func (c *CachedRepository) SaveMatch(ctx context.Context, m *record.Match) error {
	if err := c.Repository.SaveMatch(ctx, m); err != nil {
		c.rdb.Del(ctx, matchKey(m.ID))
		return err
	}
	c.cacheMatch(ctx, m)
	return nil
}

func (c *CachedRepository) CompleteMatch(ctx context.Context, m *record.Match, deltas []record.StatsDelta) error {
	if err := c.Repository.CompleteMatch(ctx, m, deltas); err != nil {
		c.rdb.Del(ctx, matchKey(m.ID))
		return err
	}
	c.cacheMatch(ctx, m)
	return nil
}

func (c *CachedRepository) DeleteMatch(ctx context.Context, id string) error {
	c.rdb.Del(ctx, matchKey(id))
	return c.Repository.DeleteMatch(ctx, id)
}

// --- Read-through ---

func (c *CachedRepository) GetMatch(ctx context.Context, id string) (*record.Match, error) {
	data, err := c.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == nil {
		var m record.Match
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := c.Repository.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cacheMatch(ctx, m)
	return m, nil
}

func (c *CachedRepository) cacheMatch(ctx context.Context, m *record.Match) {
	if data, err := json.Marshal(m); err == nil {
		c.rdb.Set(ctx, matchKey(m.ID), data, c.ttl)
	}
}

func matchKey(id string) string { return fmt.Sprintf("match:%s", id) }
