package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	dumpCacheTTL     = 60 * time.Second
	dumpCacheMaxSize = 100
	dumpCacheEvictN  = 50
)

// dumpCache memoizes dump responses per (tenant, agent, limit). When the
// entry count exceeds the cap, the oldest half is dropped.
type dumpCache struct {
	mu      sync.Mutex
	entries map[string]*dumpCacheEntry
}

type dumpCacheEntry struct {
	response *DumpResponse
	storedAt time.Time
}

func newDumpCache() *dumpCache {
	return &dumpCache{entries: make(map[string]*dumpCacheEntry)}
}

func dumpCacheKey(tenantID, agent string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, agent, limit)
}

func (c *dumpCache) get(key string, now time.Time) (*DumpResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) >= dumpCacheTTL {
		delete(c.entries, key)
		return nil, false
	}
	return e.response, true
}

func (c *dumpCache) put(key string, resp *DumpResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &dumpCacheEntry{response: resp, storedAt: now}
	if len(c.entries) <= dumpCacheMaxSize {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < dumpCacheEvictN && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// invalidate drops every cached dump for the (tenant, agent) pair.
func (c *dumpCache) invalidate(tenantID, agent string) {
	prefix := tenantID + "|" + agent + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}
