package store

import (
	"slices"
	"strings"
	"sync"
)

// trimFraction is the share of entries dropped when a cache overflows.
const trimFraction = 0.3

// boundedCache is a map that forgets its oldest ~30% of entries once it grows
// past its ceiling. Age is insertion order; reads do not refresh entries.
type boundedCache[V any] struct {
	name    string
	ceiling int

	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	seq     uint64
}

type cacheEntry[V any] struct {
	value V
	seq   uint64
}

func newBoundedCache[V any](name string, ceiling int) *boundedCache[V] {
	return &boundedCache[V]{
		name:    name,
		ceiling: ceiling,
		entries: make(map[string]cacheEntry[V]),
	}
}

func (c *boundedCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		cacheHits.WithLabelValues(c.name).Inc()
	} else {
		cacheMisses.WithLabelValues(c.name).Inc()
	}
	return e.value, ok
}

func (c *boundedCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[key] = cacheEntry[V]{value: value, seq: c.seq}
	if c.ceiling > 0 && len(c.entries) > c.ceiling {
		c.trim()
	}
	cacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// trim drops the oldest trimFraction of entries.
func (c *boundedCache[V]) trim() {
	drop := max(1, int(float64(len(c.entries))*trimFraction))

	seqs := make([]uint64, 0, len(c.entries))
	for _, e := range c.entries {
		seqs = append(seqs, e.seq)
	}
	slices.Sort(seqs)
	cutoff := seqs[drop-1]

	for k, e := range c.entries {
		if e.seq <= cutoff {
			delete(c.entries, k)
		}
	}
	cacheEvictions.WithLabelValues(c.name).Add(float64(drop))
}

func (c *boundedCache[V]) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	cacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// removePrefix drops every key starting with prefix.
func (c *boundedCache[V]) removePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	cacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

func (c *boundedCache[V]) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry[V])
	cacheSize.WithLabelValues(c.name).Set(0)
}

func (c *boundedCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
