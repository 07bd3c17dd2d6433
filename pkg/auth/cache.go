package auth

import (
	"container/list"
	"sync"
	"time"

	"github.com/agentos-dev/agentos/pkg/types"
)

// tokenCache maps full bearer tokens to their resolved AuthContext for a
// short TTL so hot clients skip both the key lookup and argon2 work. It is
// LRU-bounded and process-local.
type tokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	token     string
	authCtx   types.AuthContext
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration, maxSize int) *tokenCache {
	return &tokenCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *tokenCache) get(token string, now time.Time) (*types.AuthContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, token)
		return nil, false
	}
	c.order.MoveToFront(el)
	cp := entry.authCtx
	return &cp, true
}

func (c *tokenCache) put(token string, authCtx types.AuthContext, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[token]; ok {
		entry := el.Value.(*cacheEntry)
		entry.authCtx = authCtx
		entry.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{token: token, authCtx: authCtx, expiresAt: now.Add(c.ttl)})
	c.entries[token] = el
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).token)
	}
}

// invalidate drops every cached token. Used when a key is revoked so stale
// contexts do not outlive the TTL.
func (c *tokenCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
