// Package icc implements the interconnect cache: a [CPU][class] grid of
// lock-free Treiber stacks with a 4-bit ABA tag packed into a header
// pointer's low bits (every Header is 16-byte aligned, so those bits are
// otherwise always zero).
//
// Each cell holds three independent stacks (local, pushed, trimmed) and its
// own "pushed is non-empty" gate; popping is local-then-steal. The
// CAS-loop stack itself follows the same shape as cznic/memory's
// free-list pop/push, generalized from a single-threaded pointer swap to
// an atomic compare-and-swap.
package icc

import (
	"sync/atomic"
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// tagBits is the number of low bits of a packed head word reserved for the
// ABA tag. sizeclass.Header is 16-byte aligned so 4 bits are always free.
const tagBits = 4
const tagMask = uint64(1)<<tagBits - 1

func pack(p *sizeclass.Header, tag uint64) uint64 {
	return uint64(uintptr(unsafe.Pointer(p))) | (tag & tagMask)
}

func unpack(word uint64) (*sizeclass.Header, uint64) {
	tag := word & tagMask
	addr := uintptr(word &^ tagMask)
	if addr == 0 {
		return nil, tag
	}
	return (*sizeclass.Header)(unsafe.Pointer(addr)), tag
}

// stack is a single Treiber stack: an atomic packed (pointer|tag) head and
// an advisory usage counter.
type stack struct {
	head  atomic.Uint64
	usage atomic.Int64
}

func (s *stack) empty() bool { return s.usage.Load() <= 0 }

// pushChain links head..tail onto the stack as one batch, advancing the ABA
// tag by one regardless of how many blocks are in the batch (matching
// interconnect.rs: one CAS, one tag bump, per push call).
func (s *stack) pushChain(head, tail *sizeclass.Header, batch int) {
	for {
		old := s.head.Load()
		oldPtr, oldTag := unpack(old)
		tail.Next = oldPtr
		next := pack(head, oldTag+1)
		if s.head.CompareAndSwap(old, next) {
			s.usage.Add(int64(batch))
			return
		}
	}
}

// popChain detaches up to batch nodes and returns (head, tail, count). The
// chain's Next pointers are plain (pushChain links them unobfuscated) and
// are followed directly to find the batch's tail.
func (s *stack) popChain(batch int) (*sizeclass.Header, *sizeclass.Header, int) {
	for {
		old := s.head.Load()
		oldPtr, oldTag := unpack(old)
		if oldPtr == nil {
			return nil, nil, 0
		}
		tail := oldPtr
		count := 1
		for count < batch && tail.Next != nil {
			tail = tail.Next
			count++
		}
		next := pack(tail.Next, oldTag+1)
		if s.head.CompareAndSwap(old, next) {
			s.usage.Add(-int64(count))
			tail.Next = nil
			return oldPtr, tail, count
		}
	}
}

// Cell holds the three free-list stacks for one (CPU, class) pair.
type Cell struct {
	Local       stack
	Pushed      stack
	Trimmed     stack
	pushedAlive atomic.Bool
}

// Stats are debug-only hit/steal counters, observable when Debug is set.
type Stats struct {
	Hits   int64
	Steals int64
}

// ICC is the full per-CPU x per-class grid.
type ICC struct {
	cells  [][sizeclass.NumClasses]Cell
	numCPU int

	// Debug enables Hits/Steals accounting; left off by default since the
	// extra atomic increments are pure overhead on the hot path otherwise.
	Debug bool

	hits   atomic.Int64
	steals atomic.Int64
}

// New builds an ICC grid sized for numCPU shards (the caller passes
// osmem.NumShards()).
func New(numCPU int) *ICC {
	if numCPU < 1 {
		numCPU = 1
	}
	return &ICC{cells: make([][sizeclass.NumClasses]Cell, numCPU), numCPU: numCPU}
}

func (c *ICC) shard(cpu int) int { return ((cpu % c.numCPU) + c.numCPU) % c.numCPU }

// Kind selects which of a cell's three stacks an operation targets.
type Kind int

const (
	KindLocal Kind = iota
	KindPushed
	KindTrimmed
)

// Push publishes a batch onto the named stack of (cpu, class).
func (c *ICC) Push(cpu, class int, kind Kind, head, tail *sizeclass.Header, batch int) {
	cell := &c.cells[c.shard(cpu)][class]
	switch kind {
	case KindPushed:
		cell.Pushed.pushChain(head, tail, batch)
		cell.pushedAlive.Store(true)
	case KindTrimmed:
		cell.Trimmed.pushChain(head, tail, batch)
	default:
		cell.Local.pushChain(head, tail, batch)
	}
}

// PopBatch pops up to batch nodes from (cpu, class), trying local then
// pushed then trimmed at the home cpu, then stealing from every other
// shard in rotation. Returns ok=false if every shard's every stack is
// empty.
func (c *ICC) PopBatch(cpu, class int, batch int) (head, tail *sizeclass.Header, count int, ok bool) {
	home := c.shard(cpu)
	if h, t, n := c.popCell(home, class, batch); n > 0 {
		c.recordHit()
		return h, t, n, true
	}
	for i := 1; i < c.numCPU; i++ {
		victim := (home + i) % c.numCPU
		if h, t, n := c.popCell(victim, class, batch); n > 0 {
			c.recordSteal()
			return h, t, n, true
		}
	}
	return nil, nil, 0, false
}

func (c *ICC) popCell(shard, class int, batch int) (*sizeclass.Header, *sizeclass.Header, int) {
	cell := &c.cells[shard][class]
	if !cell.Local.empty() {
		if h, t, n := cell.Local.popChain(batch); n > 0 {
			return h, t, n
		}
	}
	if cell.pushedAlive.Load() && !cell.Pushed.empty() {
		if h, t, n := cell.Pushed.popChain(batch); n > 0 {
			if cell.Pushed.empty() {
				cell.pushedAlive.Store(false)
			}
			return h, t, n
		}
	}
	if !cell.Trimmed.empty() {
		if h, t, n := cell.Trimmed.popChain(batch); n > 0 {
			return h, t, n
		}
	}
	return nil, nil, 0
}

// PopForTrim pops up to batch nodes from the local stack of (cpu, class)
// only, used by the decay engine which wants to inspect its own shard
// without triggering a cross-CPU steal.
func (c *ICC) PopForTrim(cpu, class int, batch int) (*sizeclass.Header, *sizeclass.Header, int) {
	return c.cells[c.shard(cpu)][class].Local.popChain(batch)
}

// NumShards reports the grid's CPU dimension.
func (c *ICC) NumShards() int { return c.numCPU }

func (c *ICC) recordHit() {
	if c.Debug {
		c.hits.Add(1)
	}
}

func (c *ICC) recordSteal() {
	if c.Debug {
		c.steals.Add(1)
	}
}

// Stats returns the accumulated hit/steal counters (always zero unless
// Debug is set).
func (c *ICC) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Steals: c.steals.Load()}
}
