package tlscache

import (
	"testing"

	"github.com/oxidalloc/goxidalloc/internal/icc"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

func newHeader(class int) *sizeclass.Header {
	h := &sizeclass.Header{Class: uint8(class)}
	return h
}

func TestPushPopRoundTrip(t *testing.T) {
	grid := icc.New(1)
	c := Acquire(grid, 0xDEADBEEF, func() int { return 0 })
	h := newHeader(2)
	c.Push(2, h)
	if c.Count(2) != 1 {
		t.Fatalf("count = %d, want 1", c.Count(2))
	}
	got := c.Pop(2)
	if got != h {
		t.Fatalf("pop returned %p, want %p", got, h)
	}
	if c.Count(2) != 0 {
		t.Fatalf("count after pop = %d, want 0", c.Count(2))
	}
}

func TestPushTailedThenPopBatch(t *testing.T) {
	grid := icc.New(1)
	c := Acquire(grid, 0x1234, func() int { return 0 })

	// build a plain (non-obfuscated) chain of 4 nodes
	nodes := make([]*sizeclass.Header, 4)
	for i := range nodes {
		nodes[i] = newHeader(5)
	}
	for i := 0; i < 3; i++ {
		nodes[i].Next = nodes[i+1]
	}
	c.PushTailed(5, nodes[0], nodes[3], 4)
	if c.Count(5) != 4 {
		t.Fatalf("count = %d, want 4", c.Count(5))
	}

	head, tail, n := c.PopBatch(5, 2)
	if n != 2 {
		t.Fatalf("popped %d, want 2", n)
	}
	if head != nodes[0] || tail != nodes[1] {
		t.Fatalf("unexpected batch head/tail")
	}
	if c.Count(5) != 2 {
		t.Fatalf("remaining count = %d, want 2", c.Count(5))
	}
}

func TestReleaseDrainsToICC(t *testing.T) {
	grid := icc.New(1)
	c := Acquire(grid, 0x99, func() int { return 0 })
	c.Push(0, newHeader(0))
	c.Push(0, newHeader(0))
	c.Release()
	if c.Count(0) != 0 {
		t.Fatalf("bin not cleared after release")
	}
	h, _, n, ok := grid.PopBatch(0, 0, 8)
	if !ok || n != 2 || h == nil {
		t.Fatalf("expected 2 drained blocks in ICC, got ok=%v n=%d", ok, n)
	}
}

func TestRegistryCurrentIsStablePerGoroutine(t *testing.T) {
	grid := icc.New(1)
	reg := NewRegistry()
	newCache := func() *Cache { return Acquire(grid, 0x1, func() int { return 0 }) }

	c1 := reg.Current(newCache)
	c2 := reg.Current(newCache)
	if c1 != c2 {
		t.Fatal("expected the same goroutine to get the same Cache back")
	}
}

func TestRegistrySweepEvictsIdleEntries(t *testing.T) {
	grid := icc.New(1)
	reg := NewRegistry()
	newCache := func() *Cache { return Acquire(grid, 0x1, func() int { return 0 }) }

	reg.Current(newCache)
	if n := reg.Sweep(); n != 0 {
		t.Fatalf("first sweep evicted %d, want 0 (grace period)", n)
	}
	if n := reg.Sweep(); n != 1 {
		t.Fatalf("second sweep evicted %d, want 1", n)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d, want 0 after eviction", reg.Len())
	}
}
