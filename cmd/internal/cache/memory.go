package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Memory is an in-process Cache on ristretto, used when no Redis is configured.
type Memory struct {
	c *ristretto.Cache[string, string]
}

var _ Cache = (*Memory)(nil)

// NewMemory builds a cache holding roughly maxItems entries.
func NewMemory(maxItems int64) (*Memory, error) {
	if maxItems <= 0 {
		maxItems = 100_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: ristretto: %w", err)
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := m.c.Get(key)
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

// Set is visible to the next Get: ristretto buffers writes, so we Wait.
func (m *Memory) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	m.c.SetWithTTL(key, value, 1, ttl)
	m.c.Wait()
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.c.Get(k); ok {
			n++
		}
		m.c.Del(k)
	}
	m.c.Wait()
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error {
	m.c.Close()
	return nil
}
