// Package cache materializes the latest state of every product from change
// events.
package cache

import (
	"context"
	"sync"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Name is the sink name used in checkpoints and dead letters.
const Name = "cache"

type productState struct {
	p            model.Product
	lastSequence uint64
	deleted      bool
}

// Cache is an in-memory read model. Events at or below the last applied
// sequence of a product are ignored, so redelivery is harmless.
type Cache struct {
	mu sync.RWMutex
	m  map[string]productState
}

func New() *Cache {
	return &Cache{m: make(map[string]productState)}
}

func (c *Cache) Name() string { return Name }

// Get returns the cached product.
func (c *Cache) Get(id string) (model.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.m[id]
	if !ok || st.deleted {
		return model.Product{}, false
	}
	return st.p.Clone(), true
}

// Len returns the number of live products.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, st := range c.m {
		if !st.deleted {
			n++
		}
	}
	return n
}

func (c *Cache) Apply(_ context.Context, ev model.ChangeEvent) model.SinkResult {
	if ev.Key == "" {
		return model.Reject("event without key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.m[ev.Key]
	if ok && ev.Sequence <= st.lastSequence {
		return model.Acked()
	}
	switch ev.Kind {
	case model.ProductDeleted:
		// Keep a tombstone so a stale create cannot resurrect the product.
		c.m[ev.Key] = productState{lastSequence: ev.Sequence, deleted: true}
	case model.ProductCreated, model.ProductUpdated:
		if ev.After == nil {
			return model.Reject("event without new image")
		}
		c.m[ev.Key] = productState{p: ev.After.Clone(), lastSequence: ev.Sequence}
	default:
		return model.Reject("unknown event kind " + string(ev.Kind))
	}
	return model.Acked()
}
