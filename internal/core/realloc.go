// Realloc and reallocarray.
//
// Page-level in-place shrink/grow applies to big allocations only
// (reallocBig); single-block (ITERATIONS[class]==1) size classes fall
// through to the generic allocate-copy-free path instead of getting a
// second, structurally similar in-place path. Both routes are fully
// correct implementations of realloc's contract (preserve
// min(old, new) bytes) — the simplification only trades away the
// ability to resize a single-block allocation without ever relocating
// it.
package core

import (
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// Realloc implements the C realloc surface.
func Realloc(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	if ptr == nil {
		return Malloc(newSize)
	}
	e := bootstrap.Get()
	if !e.IsOurs(uintptr(ptr)) && !hasAlignTag(e, ptr) {
		if HostRealloc != nil {
			return HostRealloc(ptr, newSize)
		}
		return nil
	}
	if newSize == 0 {
		Free(ptr)
		return Malloc(1)
	}
	if newSize > maxBigAlloc {
		return nil
	}

	h := FromUserResolved(e, ptr)
	if h == nil {
		return nil
	}
	switch h.Magic {
	case sizeclass.Magic:
	case sizeclass.FreedMagic:
		bootstrap.Abort("DoubleFree", uintptr(unsafe.Pointer(h)), "realloc on a freed block")
		return nil
	default:
		bootstrap.Abort("MemoryCorruption", uintptr(unsafe.Pointer(h)), "header magic byte matches neither live nor freed value")
		return nil
	}

	if off := uintptr(ptr) - uintptr(sizeclass.ToUser(h)); off != 0 {
		// over-aligned pointer: the caller's bytes start off bytes into the
		// payload, so they are moved by an allocate-copy-free from ptr.
		oldCap := MallocUsableSize(ptr) - int(off)
		newPtr := Malloc(newSize)
		if newPtr == nil {
			return nil
		}
		n := min(oldCap, newSize)
		copy(sizeclass.Payload(newPtr, n), sizeclass.Payload(ptr, n))
		Free(ptr)
		return newPtr
	}

	if h.Class == sizeclass.BigClass {
		return reallocBig(e, h, newSize)
	}
	return reallocCopy(h, newSize, sizeclass.Classes[h.Class])
}

func reallocBig(e *bootstrap.Engine, h *sizeclass.Header, newSize int) unsafe.Pointer {
	addr := uintptr(unsafe.Pointer(h))
	rec, ok := e.Big.Lookup(addr)
	if !ok {
		bootstrap.Abort("AttackOrCorruption", addr, "big allocation header missing from big-allocation map")
		return nil
	}

	oldTotal := sizeclass.AlignUp(rec.Size+int(sizeclass.HeaderSize), osmem.PageSize)
	newTotal := sizeclass.AlignUp(newSize+int(sizeclass.HeaderSize), osmem.PageSize)

	if newTotal == oldTotal {
		rec.Size = newSize
		e.Big.Insert(addr, rec)
		return sizeclass.ToUser(h)
	}

	if newTotal < oldTotal {
		dropAddr := addr + uintptr(newTotal)
		dropLen := oldTotal - newTotal
		_ = osmem.AdviseDontNeed(dropAddr, dropLen)
		_ = osmem.ProtectNone(dropAddr, dropLen)
		e.VA.Free(dropAddr, dropLen)
		rec.Size = newSize
		e.Big.Insert(addr, rec)
		return sizeclass.ToUser(h)
	}

	// grow: try to extend the reservation in place first.
	tailAddr := addr + uintptr(oldTotal)
	tailLen := newTotal - oldTotal
	if e.VA.ClaimAt(tailAddr, tailLen) {
		if err := osmem.MapFixedRW(tailAddr, tailLen); err == nil {
			rec.Size = newSize
			e.Big.Insert(addr, rec)
			return sizeclass.ToUser(h)
		}
		e.VA.Free(tailAddr, tailLen)
	}

	// in-place extension failed: relocate.
	newPtr := bigAlloc(e, newSize)
	if newPtr == nil {
		return nil
	}
	copy(sizeclass.Payload(newPtr, newSize), sizeclass.Payload(sizeclass.ToUser(h), rec.Size))
	freeBig(e, h)
	return newPtr
}

// reallocCopy is the generic fallback: allocate new, copy
// min(oldCapacity, newSize) bytes, free old.
func reallocCopy(h *sizeclass.Header, newSize, oldCapacity int) unsafe.Pointer {
	newPtr := Malloc(newSize)
	if newPtr == nil {
		return nil
	}
	n := oldCapacity
	if newSize < n {
		n = newSize
	}
	copy(sizeclass.Payload(newPtr, n), sizeclass.Payload(sizeclass.ToUser(h), n))
	Free(sizeclass.ToUser(h))
	return newPtr
}

// Reallocarray implements reallocarray(3): an overflow-checked
// nmemb*size wrapper around Realloc.
func Reallocarray(ptr unsafe.Pointer, nmemb, size int) unsafe.Pointer {
	if nmemb < 0 || size < 0 {
		return nil
	}
	if nmemb != 0 && size > (1<<62)/nmemb {
		return nil // overflow
	}
	return Realloc(ptr, nmemb*size)
}
