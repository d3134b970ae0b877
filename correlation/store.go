package correlation

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/BaSui01/agentbus/types"
)

// State 单个任务 ID 的聚合状态
type State int

const (
	// StateNone means the entry was just created and no decision was made yet.
	StateNone State = iota
	// StateOrphan holds fragments that arrived before their fan-out record.
	StateOrphan
	// StateFannedOut waits for Expected distinct fragments.
	StateFannedOut
)

// String returns the metrics label of the state.
func (s State) String() string {
	switch s {
	case StateOrphan:
		return "orphan"
	case StateFannedOut:
		return "fanned_out"
	default:
		return "none"
	}
}

// Entry is the in-flight aggregation state of one task identifier. Its
// fields may only be touched inside a Store mutation.
type Entry struct {
	TaskID      string
	State       State
	OpCode      types.OpCode
	Expected    int
	Workers     []string
	Fragments   []types.ResultFragment
	CreatedAt   time.Time
	FannedOutAt time.Time

	seen       map[string]struct{}
	dispatched map[string]struct{}
	mu         sync.Mutex
	removed    bool
}

func newEntry(id string, now time.Time) *Entry {
	return &Entry{
		TaskID:    id,
		CreatedAt: now,
		seen:      make(map[string]struct{}),
	}
}

// HasAgent reports whether a fragment with the worker-identity tag was kept.
func (e *Entry) HasAgent(agent string) bool {
	_, ok := e.seen[agent]
	return ok
}

// AddFragment keeps frag unless its tag was seen before. It reports
// whether the fragment was added.
func (e *Entry) AddFragment(frag types.ResultFragment) bool {
	if e.HasAgent(frag.Agent) {
		return false
	}
	e.seen[frag.Agent] = struct{}{}
	e.Fragments = append(e.Fragments, frag)
	return true
}

// SetWorkers records the dispatch set and drops held fragments whose tag
// is outside it. It returns how many fragments were dropped.
func (e *Entry) SetWorkers(workers []string) int {
	e.Workers = append([]string(nil), workers...)
	e.dispatched = make(map[string]struct{}, len(workers))
	for _, w := range workers {
		e.dispatched[w] = struct{}{}
	}

	kept := make([]types.ResultFragment, 0, len(e.Fragments))
	for _, frag := range e.Fragments {
		if _, ok := e.dispatched[frag.Agent]; ok {
			kept = append(kept, frag)
			continue
		}
		delete(e.seen, frag.Agent)
	}
	dropped := len(e.Fragments) - len(kept)
	e.Fragments = kept
	return dropped
}

// Dispatched reports whether agent belongs to the dispatch set. Before
// fan-out every tag is accepted.
func (e *Entry) Dispatched(agent string) bool {
	if e.dispatched == nil {
		return true
	}
	_, ok := e.dispatched[agent]
	return ok
}

// Received 已收到的不同 worker 片段数
func (e *Entry) Received() int { return len(e.Fragments) }

// Satisfied reports whether a fanned-out entry has all expected fragments.
func (e *Entry) Satisfied() bool {
	return e.State == StateFannedOut && e.Expected > 0 && len(e.Fragments) >= e.Expected
}

// Mutation runs under the identifier lock. created is true when the
// entry did not exist before the call. Returning true releases the entry.
type Mutation func(e *Entry, created bool) (release bool)

// Store is the per-identifier state store. Mutations for the same
// identifier are serialized; mutations for different identifiers never
// block each other. Implementations must not hold any lock shared across
// identifiers while a Mutation runs.
type Store interface {
	// GetOrCreate runs fn on the entry for id, creating it first if absent.
	GetOrCreate(id string, now time.Time, fn Mutation)
	// UpdateIfPresent runs fn only when an entry for id exists.
	UpdateIfPresent(id string, fn func(e *Entry) (release bool)) bool
	// Remove releases the entry for id.
	Remove(id string) bool
	// IDs returns a snapshot of tracked identifiers.
	IDs() []string
	// Len 在途条目数
	Len() int
	// Clear 释放全部条目
	Clear()
}

// =============================================================================
// 🧱 分片内存存储
// =============================================================================

// DefaultShardCount is used when NewMemoryStore gets a non-positive count.
const DefaultShardCount = 32

// MemoryStore splits identifiers over power-of-two shards. A shard lock
// only guards its map; each entry carries its own mutex for mutations.
type MemoryStore struct {
	shards    []*storeShard
	shardMask uint64
}

type storeShard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore 创建分片存储
func NewMemoryStore(shardCount int) *MemoryStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOf2(shardCount)

	shards := make([]*storeShard, shardCount)
	for i := range shards {
		shards[i] = &storeShard{entries: make(map[string]*Entry)}
	}
	return &MemoryStore{
		shards:    shards,
		shardMask: uint64(shardCount - 1),
	}
}

func (s *MemoryStore) shardFor(id string) *storeShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum64()&s.shardMask]
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(id string, now time.Time, fn Mutation) {
	sh := s.shardFor(id)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[id]
		if !ok {
			e = newEntry(id, now)
			sh.entries[id] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// lost a race with a release; the next pass sees a fresh entry
			e.mu.Unlock()
			continue
		}
		if fn(e, !ok) {
			s.release(sh, e)
		}
		e.mu.Unlock()
		return
	}
}

// UpdateIfPresent implements Store.
func (s *MemoryStore) UpdateIfPresent(id string, fn func(e *Entry) bool) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	sh.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if fn(e) {
		s.release(sh, e)
	}
	return true
}

// Remove implements Store.
func (s *MemoryStore) Remove(id string) bool {
	return s.UpdateIfPresent(id, func(*Entry) bool { return true })
}

// IDs implements Store.
func (s *MemoryStore) IDs() []string {
	ids := make([]string, 0)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	return ids
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Clear implements Store.
func (s *MemoryStore) Clear() {
	for _, id := range s.IDs() {
		s.Remove(id)
	}
}

// release must be called with e.mu held.
func (s *MemoryStore) release(sh *storeShard, e *Entry) {
	e.removed = true
	sh.mu.Lock()
	if cur, ok := sh.entries[e.TaskID]; ok && cur == e {
		delete(sh.entries, e.TaskID)
	}
	sh.mu.Unlock()
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
