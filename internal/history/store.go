package history

import (
	"sync"

	"tick-alerts/internal/market"
)

// DefaultCapacity bounds the per-symbol ring when no capacity is configured.
const DefaultCapacity = 100

// Store keeps a bounded rolling window of recent ticks per symbol. Each
// symbol owns an independent shard with its own lock, so appends on one
// symbol never contend with reads on another.
type Store struct {
	capacity int

	mu     sync.RWMutex
	shards map[string]*ring
}

type ring struct {
	mu    sync.RWMutex
	buf   []market.Tick
	start int
	count int
}

// NewStore constructs a Store whose per-symbol windows hold at most
// capacity ticks.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		shards:   make(map[string]*ring),
	}
}

// Append records a tick for its symbol, evicting the oldest entry once the
// window is full.
func (s *Store) Append(symbol string, tick market.Tick) {
	shard := s.shard(symbol)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.count < len(shard.buf) {
		shard.buf[(shard.start+shard.count)%len(shard.buf)] = tick
		shard.count++
		return
	}

	// Full: overwrite the oldest slot and advance the start.
	shard.buf[shard.start] = tick
	shard.start = (shard.start + 1) % len(shard.buf)
}

// Seed bulk-loads historical ticks, oldest first. Used once per symbol on
// cold start; later appends continue the same window.
func (s *Store) Seed(symbol string, ticks []market.Tick) {
	for _, tick := range ticks {
		s.Append(symbol, tick)
	}
}

// Snapshot returns a copy of the last window ticks for symbol, oldest first.
// Fewer ticks are returned when history is short. The copy is safe to read
// while appends continue.
func (s *Store) Snapshot(symbol string, window int) []market.Tick {
	shard := s.shard(symbol)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	n := shard.count
	if window > 0 && window < n {
		n = window
	}
	if n == 0 {
		return nil
	}

	out := make([]market.Tick, n)
	first := shard.count - n
	for i := 0; i < n; i++ {
		out[i] = shard.buf[(shard.start+first+i)%len(shard.buf)]
	}
	return out
}

// Len reports how many ticks are currently held for symbol.
func (s *Store) Len(symbol string) int {
	shard := s.shard(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.count
}

func (s *Store) shard(symbol string) *ring {
	s.mu.RLock()
	shard, ok := s.shards[symbol]
	s.mu.RUnlock()
	if ok {
		return shard
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if shard, ok = s.shards[symbol]; ok {
		return shard
	}
	shard = &ring{buf: make([]market.Tick, s.capacity)}
	s.shards[symbol] = shard
	return shard
}
