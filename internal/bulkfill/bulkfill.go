// Package bulkfill carves a single VA reservation + commit into a stack of
// equal-size headered blocks for one size class, the allocator's way of
// paying the mmap cost once per many blocks instead of once per allocation.
//
// Uses internal/vamap for the reservation and internal/osmem to commit
// it — the same reserve-then-commit split cznic/memory's Allocator uses
// between its free-list bookkeeping and its mmap_unix.go primitives.
package bulkfill

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
	"github.com/oxidalloc/goxidalloc/internal/vamap"
)

// Result is a ready-to-install chain of blocks for one class.
type Result struct {
	Head  *sizeclass.Header
	Tail  *sizeclass.Header
	Count int
}

// Fill reserves and commits one bulk span for class and carves it into a
// singly-linked stack of headers, head-to-tail in allocation order (so the
// head is the last-carved, highest address block and the tail the
// first-carved, lowest address one — matching mod.rs, which links blocks
// "in reverse order" while carving forward through the span).
// useHuge requests MADV_HUGEPAGE for the span (only meaningful for the
// largest classes).
func Fill(vam *vamap.Bitmap, class int, useHuge bool) (Result, error) {
	if class < 0 || class >= sizeclass.NumClasses {
		return Result{}, errors.Errorf("bulkfill: invalid class %d", class)
	}
	payload := sizeclass.Classes[class]
	block := sizeclass.AlignUp(payload+int(sizeclass.HeaderSize), 16)
	total := sizeclass.AlignUp(block*sizeclass.Iterations[class], osmem.PageSize)

	addr, err := vam.Alloc(total)
	if err != nil {
		return Result{}, errors.Wrap(err, "bulkfill: out of reservation")
	}
	if err := osmem.MapFixedRW(addr, total); err != nil {
		vam.Free(addr, total)
		return Result{}, errors.Wrap(err, "bulkfill: commit failed")
	}
	if useHuge {
		osmem.AdviseHugePage(addr, total)
	}

	count := total / block
	var head, tail *sizeclass.Header
	for i := 0; i < count; i++ {
		blockAddr := addr + uintptr(i*block)
		h := (*sizeclass.Header)(unsafe.Pointer(blockAddr))
		h.Class = uint8(class)
		h.Magic = sizeclass.FreedMagic
		h.LifeTime = 0
		if i == 0 {
			h.Next = nil
			tail = h
		} else {
			h.Next = head
		}
		head = h
	}
	return Result{Head: head, Tail: tail, Count: count}, nil
}
