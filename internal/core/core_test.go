package core

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

func TestMallocMemsetFreeRoundTrip(t *testing.T) {
	p := Malloc(100)
	if p == nil {
		t.Fatal("malloc(100) returned nil")
	}
	buf := sizeclass.Payload(p, 100)
	for i := range buf {
		buf[i] = 0xAA
	}
	if MallocUsableSize(p) < 100 {
		t.Fatalf("usable size %d < 100", MallocUsableSize(p))
	}
	Free(p)
}

func TestCallocZeroesPayload(t *testing.T) {
	p := Calloc(10, 100)
	if p == nil {
		t.Fatal("calloc returned nil")
	}
	buf := sizeclass.Payload(p, 1000)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	Free(p)
}

func TestReallocPreservesPrefix(t *testing.T) {
	p := Malloc(64)
	buf := sizeclass.Payload(p, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	q := Realloc(p, 128)
	if q == nil {
		t.Fatal("realloc returned nil")
	}
	got := sizeclass.Payload(q, 64)
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got[i], i)
		}
	}
	Free(q)
}

func TestPosixMemalignAlignment(t *testing.T) {
	p, err := PosixMemalign(256, 100)
	if err != nil {
		t.Fatal(err)
	}
	if uintptr(p)%256 != 0 {
		t.Fatalf("pointer %p not 256-aligned", p)
	}
	Free(p)
}

func TestPosixMemalignRejectsNonPowerOfTwo(t *testing.T) {
	_, err := PosixMemalign(3, 100)
	if err != ErrInvalidAlign {
		t.Fatalf("expected ErrInvalidAlign, got %v", err)
	}
}

func TestPvallocPageAligned(t *testing.T) {
	p := Pvalloc(5000)
	if p == nil {
		t.Fatal("pvalloc returned nil")
	}
	if uintptr(p)%4096 != 0 {
		t.Fatalf("pointer %p not page-aligned", p)
	}
	if MallocUsableSize(p) < 8192 {
		t.Fatalf("usable size %d < 8192", MallocUsableSize(p))
	}
	Free(p)
}

func TestBigAllocationRoundTrip(t *testing.T) {
	p := Malloc(4 << 20) // 4 MiB, beyond the largest size class
	if p == nil {
		t.Fatal("big malloc returned nil")
	}
	if MallocUsableSize(p) < 4<<20 {
		t.Fatal("usable size too small for big allocation")
	}
	Free(p)
}

func TestConcurrentMallocFreeNoDuplicates(t *testing.T) {
	const threads = 8
	const perThread = 500
	var mu sync.Mutex
	seen := map[unsafe.Pointer]int{}
	var wg sync.WaitGroup
	for g := 0; g < threads; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				p := Malloc(16)
				if p == nil {
					t.Error("malloc(16) returned nil")
					return
				}
				mu.Lock()
				if seen[p] != 0 {
					t.Errorf("pointer %p handed out while still live", p)
				}
				seen[p]++
				mu.Unlock()
				mu.Lock()
				seen[p]--
				mu.Unlock()
				Free(p)
			}
		}()
	}
	wg.Wait()
}
