package mesh

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	DefaultDedupCapacity = 4096
	DefaultCacheCapacity = 256
)

// dedupCache remembers message IDs already processed. The oldest IDs are
// forgotten first once capacity is reached.
type dedupCache struct {
	ids *lru.Cache
}

func newDedupCache(capacity int) (*dedupCache, error) {
	ids, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &dedupCache{ids: ids}, nil
}

// insert adds id and reports whether it was new.
func (d *dedupCache) insert(id protocol.MessageID) bool {
	seen, _ := d.ids.ContainsOrAdd(id, struct{}{})
	return !seen
}

func (d *dedupCache) contains(id protocol.MessageID) bool { return d.ids.Contains(id) }

func (d *dedupCache) len() int { return d.ids.Len() }

// CachedMessage is a store-and-forward entry.
type CachedMessage struct {
	ID       protocol.MessageID `json:"id"`
	Packet   protocol.Packet    `json:"-"`
	StoredAt time.Time          `json:"stored_at"`
}

// messageCache keeps recent Message packets for peers that connect later,
// evicting the least recently stored.
type messageCache struct {
	entries *lru.Cache
}

func newMessageCache(capacity int) (*messageCache, error) {
	entries, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}
	return &messageCache{entries: entries}, nil
}

func (c *messageCache) put(id protocol.MessageID, p protocol.Packet, now time.Time) {
	if c.entries.Contains(id) {
		return
	}
	c.entries.Add(id, &CachedMessage{ID: id, Packet: p, StoredAt: now})
}

func (c *messageCache) get(id protocol.MessageID) (*CachedMessage, bool) {
	v, ok := c.entries.Peek(id)
	if !ok {
		return nil, false
	}
	return v.(*CachedMessage), true
}

// list returns entries oldest first.
func (c *messageCache) list() []CachedMessage {
	keys := c.entries.Keys()
	out := make([]CachedMessage, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.entries.Peek(k); ok {
			out = append(out, *v.(*CachedMessage))
		}
	}
	return out
}

func (c *messageCache) len() int { return c.entries.Len() }
