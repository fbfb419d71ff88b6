// Package tlscache is the per-thread engine: a single-shot, unsynchronized
// set of per-class free-list stacks, owned exclusively by whatever
// goroutine or OS thread currently holds the handle.
//
// Go has no public pthread-style TLS destructor, so the per-thread cache
// becomes an explicit *Cache handle, analogous to bufio.Writer or a
// sync.Pool.Get() slot: a caller that intends to allocate repeatedly calls
// Acquire, keeps the handle as long as it's active on this goroutine/OS
// thread, and either calls Release explicitly (Registry.Sweep does this
// for the entries it evicts) or lets the handle become unreachable, in
// which case runtime.SetFinalizer drains it back to the interconnect
// cache. The single-threaded pop/push pattern is the same shape as
// cznic/memory's own (non-obfuscated, non-threaded) free-list pop/push.
package tlscache

import (
	"runtime"

	"github.com/oxidalloc/goxidalloc/internal/icc"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// bin is one size class's free-list stack: a possibly-obfuscated head and
// a running count used to decide when the orchestrator should spill
// overflow to the interconnect cache.
type bin struct {
	head  *sizeclass.Header // XOR-obfuscated with the owning Cache's key
	count int
}

// TLSMaxBlocks is the soft cap per class before Free spills a batch to
// the ICC.
const TLSMaxBlocks = 64

// SpillBatch is the number of blocks moved to the ICC when a bin hits its
// cap.
const SpillBatch = 31

// Cache is one thread's/goroutine's full set of per-class bins plus the
// XOR key used to obfuscate every Next pointer it stores.
type Cache struct {
	bins [sizeclass.NumClasses]bin
	key  uintptr
	icc  *icc.ICC
	cpu  func() int
}

// Acquire returns a freshly zeroed Cache bound to grid for eventual
// overflow/drain, obfuscating its stack links with key (bootstrap hands
// out a fresh random key per Cache so no two caches share an XOR key).
// cpu reports the calling thread's current CPU id (osmem.CPUID), used only
// by Release's drain.
func Acquire(grid *icc.ICC, key uintptr, cpu func() int) *Cache {
	c := &Cache{key: key, icc: grid, cpu: cpu}
	runtime.SetFinalizer(c, finalize)
	return c
}

func finalize(c *Cache) { c.Release() }

// Release drains every non-empty bin into the interconnect cache as one
// batch per class and disarms the finalizer. Safe to call more than once.
func (c *Cache) Release() {
	runtime.SetFinalizer(c, nil)
	cpu := 0
	if c.cpu != nil {
		cpu = c.cpu()
	}
	for class := range c.bins {
		b := &c.bins[class]
		if b.head == nil {
			continue
		}
		head, tail, count := c.drainBin(b)
		if count > 0 {
			c.icc.Push(cpu, class, icc.KindLocal, head, tail, count)
		}
	}
}

// drainBin deobfuscates the entire chain (bounded by the bin's own count,
// so a corrupted chain can't spin forever) and clears the bin.
func (c *Cache) drainBin(b *bin) (head, tail *sizeclass.Header, count int) {
	head = sizeclass.Xor(b.head, c.key)
	node := head
	for node != nil {
		count++
		if node.Next != nil {
			node.Next = sizeclass.Xor(node.Next, c.key)
		}
		if node.Next == nil {
			tail = node
			break
		}
		if count > b.count {
			break // defensive: never walk further than the bin claims to hold
		}
		node = node.Next
	}
	b.head = nil
	b.count = 0
	return head, tail, count
}

// Pop returns a block from class's bin, or nil if it is empty.
func (c *Cache) Pop(class int) *sizeclass.Header {
	b := &c.bins[class]
	if b.head == nil {
		return nil
	}
	real := sizeclass.Xor(b.head, c.key)
	b.head = real.Next
	real.Next = nil
	b.count--
	return real
}

// Push stores a single block onto class's bin.
func (c *Cache) Push(class int, h *sizeclass.Header) {
	b := &c.bins[class]
	h.Next = b.head
	b.head = sizeclass.Xor(h, c.key)
	b.count++
}

// PushTailed installs an entire head..tail chain (already linked in plain,
// non-obfuscated form) as the new bin contents in one shot, obfuscating
// every internal Next pointer and appending the bin's previous head as
// tail.Next.
func (c *Cache) PushTailed(class int, head, tail *sizeclass.Header, batch int) {
	b := &c.bins[class]
	for node := head; node != nil; {
		next := node.Next
		if next != nil {
			node.Next = sizeclass.Xor(next, c.key)
		}
		node = next
	}
	tail.Next = b.head
	b.head = sizeclass.Xor(head, c.key)
	b.count += batch
}

// PopBatch detaches up to target nodes (or the whole bin if smaller),
// deobfuscating internal links on the way out and clearing the detached
// tail's Next.
func (c *Cache) PopBatch(class int, target int) (head, tail *sizeclass.Header, count int) {
	b := &c.bins[class]
	if b.head == nil {
		return nil, nil, 0
	}
	if target > b.count {
		target = b.count
	}
	head = sizeclass.Xor(b.head, c.key)
	node := head
	for count < target {
		count++
		if node.Next != nil {
			node.Next = sizeclass.Xor(node.Next, c.key)
		}
		if count == target || node.Next == nil {
			tail = node
			break
		}
		node = node.Next
	}
	b.head = sizeclass.Xor(tail.Next, c.key)
	b.count -= count
	tail.Next = nil
	return head, tail, count
}

// Count reports the current depth of class's bin.
func (c *Cache) Count(class int) int { return c.bins[class].count }
