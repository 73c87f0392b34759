// Package contextcache holds the cached external-API data handed to the
// generator and the verifier as immutable snapshots.
//
// Refresh cadence is the caller's concern: whatever polls the upstream APIs
// calls Set, and the pipeline calls Snapshot at the moment it needs a
// consistent view. Values are treated as JSON-like (maps, slices, scalars)
// and are never mutated after Set.
package contextcache

import (
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

type entry struct {
	value     any
	updatedAt time.Time
}

// Cache is a concurrency-safe label → value map of external API data.
type Cache struct {
	mu            sync.RWMutex
	entries       map[string]entry
	knowledgeBase []string
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Set stores value under label, replacing any previous value.
func (c *Cache) Set(label string, value any) {
	c.mu.Lock()
	c.entries[label] = entry{value: value, updatedAt: time.Now()}
	c.mu.Unlock()
}

// Delete removes a label.
func (c *Cache) Delete(label string) {
	c.mu.Lock()
	delete(c.entries, label)
	c.mu.Unlock()
}

// SetKnowledgeBase replaces the static knowledge-base entries included in
// every snapshot.
func (c *Cache) SetKnowledgeBase(entries []string) {
	kb := make([]string, len(entries))
	copy(kb, entries)

	c.mu.Lock()
	c.knowledgeBase = kb
	c.mu.Unlock()
}

// UpdatedAt returns when label was last set, or the zero time if absent.
func (c *Cache) UpdatedAt(label string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[label].updatedAt
}

// Snapshot returns an immutable view of the cached data combined with the
// supplied recent conversation slice. The top-level map is copied; nested
// values are shared and must not be mutated by callers.
func (c *Cache) Snapshot(conversation []types.Message) types.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	apiData := make(map[string]any, len(c.entries))
	for label, e := range c.entries {
		apiData[label] = e.value
	}
	kb := make([]string, len(c.knowledgeBase))
	copy(kb, c.knowledgeBase)

	return types.Snapshot{
		APIData:       apiData,
		Conversation:  conversation,
		KnowledgeBase: kb,
	}
}
