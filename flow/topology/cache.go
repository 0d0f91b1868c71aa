package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a cached topology stays valid without an explicit
// invalidation.
const DefaultTTL = time.Hour

// Hash fingerprints the workflow content relevant to compilation: the
// workflow's own updated_at plus every node and config updated_at, in a
// deterministic order. Any content change produces a new hash, so stale
// cache entries simply stop being addressed.
func Hash(w interface {
	ContentStamps() []time.Time
}) string {
	stamps := w.ContentStamps()
	parts := make([]string, len(stamps))
	for i, ts := range stamps {
		parts[i] = ts.UTC().Format(time.RFC3339Nano)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:12]
}

type cacheEntry struct {
	topo     *Topology
	cachedAt time.Time
}

// Cache shares compiled topologies across concurrent node jobs. Entries are
// keyed (workflow id, content hash, trigger node id); compilation happens
// outside the lock so a slow build never stalls readers of other workflows.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache builds a cache with the given TTL; ttl <= 0 uses DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func cacheKey(workflowID int64, hash, triggerNodeID string) string {
	return fmt.Sprintf("%d:%s:%s", workflowID, hash, triggerNodeID)
}

// GetOrBuild returns the cached topology for the key, or compiles it via
// build and stores the result. Two goroutines may race to build the same
// entry; both get valid topologies and the last write wins, which is
// harmless because both compiled identical content.
func (c *Cache) GetOrBuild(workflowID int64, hash, triggerNodeID string, build func() (*Topology, error)) (*Topology, error) {
	key := cacheKey(workflowID, hash, triggerNodeID)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.cachedAt) < c.ttl {
		return entry.topo, nil
	}

	topo, err := build()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{topo: topo, cachedAt: c.now()}
	c.mu.Unlock()
	return topo, nil
}

// Invalidate drops every cached topology of one workflow, across all hashes
// and triggers. Called when a workflow is saved or deleted.
func (c *Cache) Invalidate(workflowID int64) {
	prefix := fmt.Sprintf("%d:", workflowID)
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}

// Len reports the live entry count, counting expired entries too until they
// are overwritten.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
