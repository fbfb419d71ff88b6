package vamap

import (
	"sync"
	"testing"

	"github.com/cznic/mathutil"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	b, err := New(4 << 20) // 4 MiB -> 1024 blocks
	if err != nil {
		t.Fatal(err)
	}
	addr, err := b.Alloc(BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if addr < b.Start() || addr >= b.End() {
		t.Fatalf("addr %x out of region [%x, %x)", addr, b.Start(), b.End())
	}
	b.Free(addr, BlockSize)
	addr2, err := b.Alloc(BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr {
		t.Fatalf("expected freed block to be reused immediately, got %x want %x", addr2, addr)
	}
}

func TestAllocMultiContiguous(t *testing.T) {
	b, err := New(4 << 20)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := b.Alloc(8 * BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	// a subsequent single-block alloc must not land inside the claimed run
	single, err := b.Alloc(BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if single >= addr && single < addr+8*BlockSize {
		t.Fatalf("single alloc %x landed inside multi-block run [%x, %x)", single, addr, addr+8*BlockSize)
	}
}

// TestConcurrentSingleClaimIsExclusive exercises four goroutines racing to
// claim overlapping space and asserts exactly one claimant wins each bit.
func TestConcurrentSingleClaimIsExclusive(t *testing.T) {
	b, err := New(16 << 20)
	if err != nil {
		t.Fatal(err)
	}
	const n = 256
	seen := make(map[uintptr]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				addr, err := b.Alloc(BlockSize)
				if err != nil {
					continue
				}
				mu.Lock()
				seen[addr]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for addr, count := range seen {
		if count != 1 {
			t.Fatalf("address %x claimed %d times, want exactly 1", addr, count)
		}
	}
}

// TestRandomizedAllocFreeNeverAliases runs a deterministic full-cycle PRNG
// (cznic/mathutil's FC32) through a sequence of alloc/free operations and
// checks no two live allocations ever overlap.
func TestRandomizedAllocFreeNeverAliases(t *testing.T) {
	b, err := New(8 << 20)
	if err != nil {
		t.Fatal(err)
	}
	rng, err := mathutil.NewFC32(0, 1<<20, false)
	if err != nil {
		t.Fatal(err)
	}
	live := map[uintptr]int{}
	var held []uintptr
	for i := 0; i < 4000; i++ {
		if len(held) > 0 && rng.Next()%3 == 0 {
			idx := rng.Next() % len(held)
			addr := held[idx]
			size := live[addr]
			b.Free(addr, size)
			delete(live, addr)
			held = append(held[:idx], held[idx+1:]...)
			continue
		}
		blocks := rng.Next()%4 + 1
		addr, err := b.Alloc(blocks * BlockSize)
		if err != nil {
			continue
		}
		for other, sz := range live {
			if addr < other+uintptr(sz) && other < addr+uintptr(blocks*BlockSize) {
				t.Fatalf("alloc %x overlaps live region %x size %d", addr, other, sz)
			}
		}
		live[addr] = blocks * BlockSize
		held = append(held, addr)
	}
}
