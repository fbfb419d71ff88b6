// Package vamap implements the virtual-address reservation bitmap:
// reserve one large contiguous region at init, track 4 KiB-block occupancy
// with an atomic bitmap, and serve Alloc(size)->addr / Free(addr, size).
//
// Word-at-a-time scanning from a monotonic hint with trailing zero count,
// single-bit claim via fetch-or with only-if-previously-clear acceptance,
// and two-pass (hint..end, start..hint) wraparound for both the
// single-block and multi-block paths. The overall reserve-then-bitmap
// structure mirrors cznic/exp/lldb's free-space allocator (falloc.go),
// which also tracks availability as a side structure distinct from the
// backing file/region.
package vamap

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/oxidalloc/goxidalloc/internal/osmem"
)

// BlockSize is the bitmap's granularity: one bit per 4 KiB block.
const BlockSize = osmem.PageSize

// Bitmap reserves one contiguous VA region and tracks which 4 KiB blocks
// within it are currently committed.
type Bitmap struct {
	start uintptr
	end   uintptr
	words []uint64 // one bit per block
	hint  atomic.Uint64
}

// New reserves size bytes of address space (rounded up to a whole number
// of blocks) and returns a Bitmap tracking it. size is typically clamped
// by the caller to [16 GiB, 256 TiB] (OX_MAX_RESERVATION).
func New(size int) (*Bitmap, error) {
	size = sizeclassAlignUp(size, BlockSize)
	addr, err := osmem.Reserve(size)
	if err != nil {
		return nil, errors.Wrap(err, "vamap: reserve failed")
	}
	blocks := size / BlockSize
	return &Bitmap{
		start: addr,
		end:   addr + uintptr(size),
		words: make([]uint64, (blocks+63)/64),
	}, nil
}

func sizeclassAlignUp(n, m int) int { return (n + m - 1) &^ (m - 1) }

// Start returns the base address of the reserved region (used by bootstrap
// to derive the IsOurs membership test).
func (b *Bitmap) Start() uintptr { return b.start }

// End returns the exclusive end address of the reserved region.
func (b *Bitmap) End() uintptr { return b.end }

func (b *Bitmap) totalBits() int { return int(b.end-b.start) / BlockSize }

// Alloc reserves `size` bytes (rounded up to whole blocks) and returns
// their base address, or an error if the bitmap has no run of that length
// free.
func (b *Bitmap) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, errors.New("vamap: zero-size alloc")
	}
	needed := (size + BlockSize - 1) / BlockSize
	if needed == 1 {
		return b.allocSingle()
	}
	return b.allocMulti(needed)
}

func (b *Bitmap) allocSingle() (uintptr, error) {
	total := b.totalBits()
	if total == 0 {
		return 0, errors.New("vamap: empty bitmap")
	}
	chunks := (total + 63) / 64
	startChunk := int(b.hint.Load()) % chunks
	lastValidBits := total % 64

	try := func(lo, hi int) (uintptr, bool) {
		for i := lo; i < hi; i++ {
			chunk := atomic.LoadUint64(&b.words[i])
			if i == chunks-1 && lastValidBits != 0 {
				chunk |= ^((uint64(1) << uint(lastValidBits)) - 1)
			}
			if chunk == ^uint64(0) {
				continue
			}
			bit := trailingZeros64(^chunk)
			mask := uint64(1) << bit
			prev := fetchOrUint64(&b.words[i], mask)
			if prev&mask != 0 {
				continue
			}
			b.hint.Store(uint64(i))
			global := i*64 + int(bit)
			if global >= total {
				fetchAndUint64(&b.words[i], ^mask)
				continue
			}
			return b.start + uintptr(global*BlockSize), true
		}
		return 0, false
	}

	if addr, ok := try(startChunk, chunks); ok {
		return addr, nil
	}
	if addr, ok := try(0, startChunk); ok {
		return addr, nil
	}
	return 0, errors.New("vamap: out of reservation")
}

func (b *Bitmap) allocMulti(count int) (uintptr, error) {
	total := b.totalBits()
	if total == 0 || count > total {
		return 0, errors.New("vamap: out of reservation")
	}

	startBit := int(b.hint.Load()) * 64
	if startBit >= total {
		startBit = 0
	}

	scan := func(lo, hi int) (uintptr, bool) {
		run := 0
		runStart := 0
		for i := lo; i < hi; i++ {
			if b.bitSet(i) {
				run = 0
				continue
			}
			if run == 0 {
				runStart = i
			}
			run++
			if run == count {
				if b.tryClaim(runStart, count) {
					b.hint.Store(uint64(runStart / 64))
					return b.start + uintptr(runStart*BlockSize), true
				}
				run = 0
			}
		}
		return 0, false
	}

	if addr, ok := scan(startBit, total); ok {
		return addr, nil
	}
	if addr, ok := scan(0, startBit); ok {
		return addr, nil
	}
	return 0, errors.New("vamap: out of reservation")
}

func (b *Bitmap) bitSet(idx int) bool {
	word := atomic.LoadUint64(&b.words[idx/64])
	return word&(uint64(1)<<uint(idx%64)) != 0
}

// fetchOrUint64 atomically ORs mask into *addr and returns the prior
// value. sync/atomic has no package-level OrUint64 at the go.mod floor
// this module targets, so it's a CAS retry loop.
func fetchOrUint64(addr *uint64, mask uint64) uint64 {
	for {
		old := atomic.LoadUint64(addr)
		if old&mask != 0 {
			return old
		}
		if atomic.CompareAndSwapUint64(addr, old, old|mask) {
			return old
		}
	}
}

func fetchAndUint64(addr *uint64, mask uint64) uint64 {
	for {
		old := atomic.LoadUint64(addr)
		next := old & mask
		if next == old {
			return old
		}
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return old
		}
	}
}

// tryClaim attempts to atomically set count contiguous bits starting at
// startIdx, rolling back any bits it had already set if a conflict is
// found partway through.
func (b *Bitmap) tryClaim(startIdx, count int) bool {
	total := b.totalBits()
	if startIdx < 0 || startIdx+count > total {
		return false
	}
	for k := 0; k < count; k++ {
		idx := startIdx + k
		mask := uint64(1) << uint(idx%64)
		prev := fetchOrUint64(&b.words[idx/64], mask)
		if prev&mask != 0 {
			b.rollback(startIdx, k)
			return false
		}
	}
	return true
}

func (b *Bitmap) rollback(startIdx, count int) {
	for k := 0; k < count; k++ {
		idx := startIdx + k
		fetchAndUint64(&b.words[idx/64], ^(uint64(1) << uint(idx%64)))
	}
}

// ClaimAt attempts to claim exactly the blocks covering [addr, addr+size),
// failing if any of them are already set. Used by realloc's in-place grow
// path to extend a big allocation's reservation without relocating it.
func (b *Bitmap) ClaimAt(addr uintptr, size int) bool {
	if addr < b.start || addr+uintptr(size) > b.end {
		return false
	}
	startIdx := int(addr-b.start) / BlockSize
	count := (size + BlockSize - 1) / BlockSize
	return b.tryClaim(startIdx, count)
}

// Free clears the bits covering [addr, addr+size) and lowers hint if the
// freed region was below it, so a subsequent Alloc is likely to find the
// just-freed space.
func (b *Bitmap) Free(addr uintptr, size int) {
	if addr < b.start || addr >= b.end {
		return
	}
	total := b.totalBits()
	if total == 0 {
		return
	}
	offset := int(addr - b.start)
	startIdx := offset / BlockSize
	if startIdx >= total {
		return
	}
	count := (size + BlockSize - 1) / BlockSize
	if startIdx+count > total {
		count = total - startIdx
	}
	b.rollback(startIdx, count)

	chunk := uint64(startIdx / 64)
	if chunk < b.hint.Load() {
		b.hint.Store(chunk)
	}
}

func trailingZeros64(x uint64) uint {
	if x == 0 {
		return 64
	}
	var n uint
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
