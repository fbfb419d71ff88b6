package icc

import (
	"sync"
	"testing"

	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// heapNodes keeps test headers reachable and forces them onto the heap,
// where a 16-byte object is 16-byte aligned as the tag packing requires
// (a stack-allocated header may be only 8-byte aligned).
var heapNodes []*sizeclass.Header

func newNode(class uint8) *sizeclass.Header {
	h := &sizeclass.Header{Class: class}
	heapNodes = append(heapNodes, h)
	return h
}

func TestPushPopSingle(t *testing.T) {
	g := New(4)
	h := newNode(3)
	g.Push(0, 3, KindLocal, h, h, 1)
	got, tail, n, ok := g.PopBatch(0, 3, 4)
	if !ok || n != 1 || got != h || tail != h {
		t.Fatalf("pop got ok=%v n=%d head=%p tail=%p", ok, n, got, tail)
	}
}

func TestStealAcrossCPUs(t *testing.T) {
	g := New(4)
	g.Debug = true
	h := newNode(1)
	g.Push(2, 1, KindLocal, h, h, 1) // deposited on cpu 2

	// cpu 0 has nothing local; popping for cpu 0 must steal from cpu 2.
	got, _, n, ok := g.PopBatch(0, 1, 4)
	if !ok || n != 1 || got != h {
		t.Fatalf("expected steal to find the block, got ok=%v n=%d", ok, n)
	}
	if g.Stats().Steals != 1 {
		t.Fatalf("steals = %d, want 1", g.Stats().Steals)
	}
}

func TestPushedAndTrimmedFallback(t *testing.T) {
	g := New(1)
	h := newNode(0)
	g.Push(0, 0, KindTrimmed, h, h, 1)
	_, _, n, ok := g.PopBatch(0, 0, 4)
	if !ok || n != 1 {
		t.Fatalf("expected trimmed-stack fallback to serve the pop, ok=%v n=%d", ok, n)
	}
}

// TestConcurrentPushPopNeverDuplicates exercises many goroutines racing
// push/pop against a single cell and checks every popped pointer is
// distinct — no block should ever be handed out twice.
func TestConcurrentPushPopNeverDuplicates(t *testing.T) {
	g := New(4)
	const n = 2000
	nodes := make([]*sizeclass.Header, n)
	for i := range nodes {
		nodes[i] = &sizeclass.Header{Class: 7}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(h *sizeclass.Header) {
			defer wg.Done()
			g.Push(0, 7, KindLocal, h, h, 1)
		}(nodes[i])
	}
	wg.Wait()

	seen := make(map[*sizeclass.Header]bool)
	var mu sync.Mutex
	var wg2 sync.WaitGroup
	for i := 0; i < n; i++ {
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			h, _, cnt, ok := g.PopBatch(0, 7, 1)
			if !ok || cnt == 0 {
				return
			}
			mu.Lock()
			if seen[h] {
				t.Errorf("popped %p twice", h)
			}
			seen[h] = true
			mu.Unlock()
		}()
	}
	wg2.Wait()
}
