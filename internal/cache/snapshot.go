package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot is the persisted form of one or more caches: a flat map of key to
// JSON blob plus the fetch time of each key.
type Snapshot struct {
	Blobs     map[string][]byte
	FetchedAt map[string]time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Blobs:     make(map[string][]byte),
		FetchedAt: make(map[string]time.Time),
	}
}

func (s *Snapshot) Len() int { return len(s.Blobs) }

// Export writes every entry of c into s under prefix+key.
func (c *Cache[V]) Export(s *Snapshot, prefix string) error {
	for key, e := range c.Entries() {
		b, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("%s: marshal %q: %w", c.name, key, err)
		}
		s.Blobs[prefix+key] = b
		s.FetchedAt[prefix+key] = e.FetchedAt
	}
	return nil
}

// Restore seeds c with every blob in s whose key starts with prefix. Restored
// entries are stale, so the next Get fetches while GetOrStale can still serve
// them. Blobs that no longer decode are skipped and counted.
func (c *Cache[V]) Restore(s *Snapshot, prefix string) (restored, skipped int) {
	for k, b := range s.Blobs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var v V
		if err := json.Unmarshal(b, &v); err != nil {
			c.logger.Warnw("skip undecodable snapshot entry", "key", k, "error", err)
			skipped++
			continue
		}
		if c.Seed(strings.TrimPrefix(k, prefix), v, s.FetchedAt[k]) {
			restored++
		}
	}
	return restored, skipped
}
