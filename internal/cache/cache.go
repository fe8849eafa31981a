// Package cache is the in-memory TTL layer of the local settings cache.
// Entries expire a fixed TTL after the last Put; expired reads report
// not-found so callers refresh from the remote store. The durable layer
// beneath it lives in internal/localdb.
package cache

import (
	"sync"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

type entry struct {
	doc      *models.SettingsDocument
	filledAt time.Time
}

// Cache holds per-user settings documents with TTL expiry.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache whose entries expire ttl after the last Put.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached document for userID, or found=false when absent
// or expired. The returned document is a copy; mutating it does not
// affect the cache.
func (c *Cache) Get(userID string) (*models.SettingsDocument, bool) {
	doc, _, ok := c.GetEntry(userID)
	return doc, ok
}

// GetEntry is Get plus the cache-fill timestamp, which the conflict
// detector compares against incoming remote documents.
func (c *Cache) GetEntry(userID string) (*models.SettingsDocument, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, time.Time{}, false
	}
	if c.now().Sub(e.filledAt) >= c.ttl {
		delete(c.entries, userID)
		return nil, time.Time{}, false
	}
	return e.doc.Clone(), e.filledAt, true
}

// Put stores a copy of doc for userID and restarts its TTL.
func (c *Cache) Put(userID string, doc *models.SettingsDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = entry{doc: doc.Clone(), filledAt: c.now()}
}

// Invalidate drops the entry for userID. Used by logout cleanup and when
// a cached entry turns out to be corrupt.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Len returns the number of live (possibly expired) entries. Diagnostics only.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
