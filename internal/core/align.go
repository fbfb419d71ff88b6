// Over-alignment support: posix_memalign, memalign, aligned_alloc, valloc
// and pvalloc, plus the aligned-return tag used to recover the real
// header from the aligned pointer Free/Realloc/MallocUsableSize see.
//
// A sentinel word pair ([tag][original header pointer]) is written
// immediately before the user-visible aligned pointer.
package core

import (
	"errors"
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// alignTagSize is the two-word sentinel placed before an over-aligned
// user pointer: a bootstrap-random tag followed by the real header's
// address.
const alignTagSize = 2 * 8

// ErrInvalidAlign is returned by PosixMemalign for a non-power-of-two
// alignment or one smaller than a pointer.
var ErrInvalidAlign = errors.New("oxidalloc: alignment must be a power of two >= sizeof(void*)")

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// PosixMemalign implements posix_memalign(3): align must be a power of
// two and at least sizeof(uintptr); returns the aligned pointer or an
// error (EINVAL-equivalent, or nil on OOM).
func PosixMemalign(align, size int) (unsafe.Pointer, error) {
	if !isPowerOfTwo(align) || align < int(unsafe.Sizeof(uintptr(0))) {
		return nil, ErrInvalidAlign
	}
	if align <= int(sizeclass.HeaderSize) {
		// the ordinary header already satisfies this alignment.
		p := Malloc(size)
		if p == nil {
			return nil, nil
		}
		return p, nil
	}
	return alignedAllocate(align, size), nil
}

// Memalign mirrors PosixMemalign but returns nil instead of an error on
// invalid input, matching the C memalign(3) calling convention.
func Memalign(align, size int) unsafe.Pointer {
	p, err := PosixMemalign(align, size)
	if err != nil {
		return nil
	}
	return p
}

// AlignedAlloc implements aligned_alloc(3).
func AlignedAlloc(align, size int) unsafe.Pointer { return Memalign(align, size) }

// Valloc returns a page-aligned allocation.
func Valloc(size int) unsafe.Pointer { return Memalign(osmem.PageSize, size) }

// Pvalloc returns a page-aligned allocation whose size has been rounded up
// to a whole number of pages.
func Pvalloc(size int) unsafe.Pointer {
	rounded := sizeclass.AlignUp(size, osmem.PageSize)
	return Memalign(osmem.PageSize, rounded)
}

// alignedAllocate over-allocates enough room to guarantee an `align`
// aligned address with alignTagSize bytes free immediately before it,
// then writes the recovery tag there.
func alignedAllocate(align, size int) unsafe.Pointer {
	extra := size + align + alignTagSize
	h := allocateRaw(extra)
	if h == nil {
		return nil
	}
	payload := uintptr(unsafe.Pointer(sizeclass.ToUser(h)))
	aligned := sizeclass.AlignUp(int(payload)+alignTagSize, align)
	userPtr := unsafe.Pointer(uintptr(aligned))

	e := bootstrap.Get()
	tagWords := (*[2]uint64)(unsafe.Pointer(uintptr(aligned) - alignTagSize))
	tagWords[0] = e.AlignTag
	tagWords[1] = uint64(uintptr(unsafe.Pointer(h)))
	return userPtr
}

// hasAlignTag reports whether ptr is preceded by a valid aligned-return
// tag (used by Free to decide whether an otherwise-foreign-looking
// pointer is actually one of ours via an over-aligned allocation whose
// real header lies outside the checked window — in practice the header
// is always inside VA too, but the check is kept independent of IsOurs
// for clarity).
func hasAlignTag(e *bootstrap.Engine, ptr unsafe.Pointer) bool {
	_, ok := recoverAlignedHeader(e, ptr)
	return ok
}

// recoverAlignedHeader reads the two sentinel words immediately before
// ptr and, if the tag matches and the recovered address lies within the
// reserved VA window, returns the real header.
func recoverAlignedHeader(e *bootstrap.Engine, ptr unsafe.Pointer) (*sizeclass.Header, bool) {
	addr := uintptr(ptr)
	if addr < alignTagSize {
		return nil, false
	}
	tagWords := (*[2]uint64)(unsafe.Pointer(addr - alignTagSize))
	if tagWords[0] != e.AlignTag {
		return nil, false
	}
	headerAddr := uintptr(tagWords[1])
	if !e.IsOurs(headerAddr) {
		return nil, false
	}
	return (*sizeclass.Header)(unsafe.Pointer(headerAddr)), true
}
