package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is an in-process Cache for single-node deployments and tests.
type Memory struct {
	mu  sync.RWMutex
	m   map[string]entry
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]entry), now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return "", ErrMiss
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return "", ErrMiss
	}
	return e.value, nil
}

func (c *Memory) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	c.m[key] = entry{value: value}
	c.mu.Unlock()
	return nil
}

func (c *Memory) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	c.m[key] = entry{value: value, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
	return nil
}
