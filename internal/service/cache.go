package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"e2ee-sdk/internal/store"
)

// SessionCache memoizes resolved encryption sessions by session ID. TTL
// semantics: negative caches forever, zero disables caching entirely,
// positive expires entries after the given duration. Entries are invalidated
// by local revocation calls only; remote changes by other parties are not
// observed until the caller bypasses the cache.
type SessionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	key        []byte
	recipients map[string]bool
	cachedAt   time.Time
}

func NewSessionCache(ttl time.Duration) *SessionCache {
	return &SessionCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *SessionCache) enabled() bool { return c.ttl != 0 }

func (c *SessionCache) get(sessionID string) (cacheEntry, bool) {
	if !c.enabled() {
		return cacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return cacheEntry{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, sessionID)
		return cacheEntry{}, false
	}
	// Each hit gets its own recipients map; handles mutate theirs under their
	// own lock and must not alias the cached one or each other.
	rc := make(map[string]bool, len(e.recipients))
	for r := range e.recipients {
		rc[r] = true
	}
	e.recipients = rc
	return e, true
}

func (c *SessionCache) put(sessionID string, key []byte, recipients map[string]bool) {
	if !c.enabled() {
		return
	}
	rc := make(map[string]bool, len(recipients))
	for r := range recipients {
		rc[r] = true
	}
	c.mu.Lock()
	c.entries[sessionID] = cacheEntry{
		key:        append([]byte(nil), key...),
		recipients: rc,
		cachedAt:   c.now(),
	}
	c.mu.Unlock()
}

func (c *SessionCache) invalidate(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

func (c *SessionCache) load(ctx context.Context, st *store.SessionCacheStore) error {
	if !c.enabled() {
		return nil
	}
	recs, err := st.LoadAll(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		if c.ttl > 0 && c.now().Sub(rec.CachedAt) > c.ttl {
			continue
		}
		var recipients []string
		if err := json.Unmarshal([]byte(rec.Recipients), &recipients); err != nil {
			continue
		}
		rm := make(map[string]bool, len(recipients))
		for _, r := range recipients {
			rm[r] = true
		}
		c.entries[rec.SessionID] = cacheEntry{key: rec.ContentKey, recipients: rm, cachedAt: rec.CachedAt}
	}
	return nil
}

func (c *SessionCache) save(ctx context.Context, st *store.SessionCacheStore) error {
	if err := st.Clear(ctx); err != nil {
		return err
	}
	if !c.enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		recipients := make([]string, 0, len(e.recipients))
		for r := range e.recipients {
			recipients = append(recipients, r)
		}
		raw, err := json.Marshal(recipients)
		if err != nil {
			return err
		}
		rec := store.SessionCacheRecord{
			SessionID:  id,
			ContentKey: e.key,
			Recipients: string(raw),
			CachedAt:   e.cachedAt,
		}
		if err := st.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
