package fragment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCapacity = 64
)

var ErrShardMismatch = errors.New("fragment does not match its set")

type setKey struct {
	sender protocol.PeerID
	id     uint64
}

type partial struct {
	header    Header
	shards    [][]byte
	shardSize int
	have      int
	started   time.Time
	done      bool
}

// Reassembled is a payload rebuilt from its fragments.
type Reassembled struct {
	Type    protocol.MessageType
	Payload []byte
}

// Reassembler collects fragments per (sender, fragment id). Incomplete sets
// expire after the timeout; the table is an LRU so a flood of bogus set IDs
// cannot grow it without bound.
type Reassembler struct {
	mu      sync.Mutex
	pending *lru.Cache
	clock   clock.Clock
	timeout time.Duration
}

// NewReassembler creates a reassembler tracking at most capacity sets.
func NewReassembler(capacity int, timeout time.Duration, clk clock.Clock) (*Reassembler, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create reassembly table: %w", err)
	}
	return &Reassembler{pending: cache, clock: clk, timeout: timeout}, nil
}

// Add records one fragment payload from sender. It returns the rebuilt
// payload once enough shards have arrived; later shards of a completed set
// are ignored.
func (r *Reassembler) Add(sender protocol.PeerID, payload []byte) (*Reassembled, error) {
	h, shard, err := ParseHeader(payload)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	key := setKey{sender: sender, id: h.ID}

	r.mu.Lock()
	defer r.mu.Unlock()

	var p *partial
	if v, ok := r.pending.Get(key); ok {
		p = v.(*partial)
		if now.Sub(p.started) > r.timeout {
			r.pending.Remove(key)
			p = nil
		}
	}
	if p == nil {
		p = &partial{
			header:    h,
			shards:    make([][]byte, h.Total()),
			shardSize: len(shard),
			started:   now,
		}
		r.pending.Add(key, p)
	}

	if p.done {
		return nil, nil
	}
	if h.DataShards != p.header.DataShards || h.ParityShards != p.header.ParityShards ||
		h.Size != p.header.Size || h.OrigType != p.header.OrigType || len(shard) != p.shardSize {
		return nil, fmt.Errorf("%w: set %x", ErrShardMismatch, h.ID)
	}
	if p.shards[h.Index] != nil {
		return nil, nil
	}

	p.shards[h.Index] = append([]byte(nil), shard...)
	p.have++
	if p.have < int(h.DataShards) {
		return nil, nil
	}

	data, err := join(p.header, p.shards)
	if err != nil {
		r.pending.Remove(key)
		return nil, err
	}

	p.done = true
	p.shards = nil
	return &Reassembled{Type: p.header.OrigType, Payload: data}, nil
}

// Prune drops sets older than the timeout and returns how many were removed.
func (r *Reassembler) Prune() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, k := range r.pending.Keys() {
		v, ok := r.pending.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(*partial).started) > r.timeout {
			r.pending.Remove(k)
			removed++
		}
	}
	return removed
}

// Pending returns the number of tracked sets, complete or not.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}
