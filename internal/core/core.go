// Package core is the allocate/free orchestrator: the fast path (thread
// cache hit), the slow path (ICC pop with adaptive batching, size-class
// splitting, bulk fill) and the free path with TLS overflow spilling.
//
// Dispatch is by sentinel class (sizeclass.BigClass) rather than by
// subtyping or an interface, to keep the hot path allocation-free.
package core

import (
	"sync/atomic"
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/bigalloc"
	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/bulkfill"
	"github.com/oxidalloc/goxidalloc/internal/icc"
	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
	"github.com/oxidalloc/goxidalloc/internal/tlscache"
)

// maxBigAlloc is the largest request size the big-allocation path will
// serve; above 3 GiB a request is rejected.
const maxBigAlloc = 3 << 30

// batchHint holds the adaptive per-class ICC pop size, nudged up on a
// full batch return and down on a partial one, clamped to
// [minBatch, maxBatch] on every read.
var batchHint [sizeclass.NumClasses]atomic.Int32

const minBatch = 8
const maxBatch = 32

func init() {
	for i := range batchHint {
		batchHint[i].Store(minBatch * 2)
	}
}

func clampBatch(v int32) int {
	if v < minBatch {
		return minBatch
	}
	if v > maxBatch {
		return maxBatch
	}
	return int(v)
}

// HostFree and HostRealloc are fallback-to-libc hooks for pointers this
// allocator did not itself hand out. Left nil (and therefore a no-op)
// unless a cgo entry point wires up dlsym-resolved libc symbols;
// pure-Go callers never hand this allocator a foreign pointer in the
// first place.
var (
	HostFree    func(unsafe.Pointer)
	HostRealloc func(unsafe.Pointer, int) unsafe.Pointer
)

func cacheFor() *tlscache.Cache {
	e := bootstrap.Get()
	return e.Registry.Current(func() *tlscache.Cache {
		return tlscache.Acquire(e.ICC, bootstrap.NewCacheKey(), osmem.CPUID)
	})
}

// Malloc implements the C malloc surface.
func Malloc(size int) unsafe.Pointer {
	h := allocateRaw(size)
	if h == nil {
		return nil
	}
	return sizeclass.ToUser(h)
}

// allocateRaw runs the full fast/slow/big dispatch and returns the live
// header (Magic already stamped), or nil on ENOMEM. Used directly by the
// alignment helpers, which need the header pointer to place the
// aligned-return tag.
func allocateRaw(size int) *sizeclass.Header {
	e := bootstrap.Get()
	e.Tick()

	if size == 0 {
		size = 1 // malloc(0) returns a non-null, minimal allocation
	}
	if size < 0 {
		return nil
	}

	class := sizeclass.Match(size)
	if class < 0 {
		if size > maxBigAlloc {
			return nil // ENOMEM
		}
		p := bigAlloc(e, size)
		if p == nil {
			return nil
		}
		return sizeclass.FromUser(p)
	}

	cache := cacheFor()
	if h := cache.Pop(class); h != nil {
		h.Magic = sizeclass.Magic
		return h
	}
	if h := trySlowPath(e, cache, class); h != nil {
		h.Magic = sizeclass.Magic
		return h
	}
	return nil
}

// trySlowPath tries, in order, an ICC pop, donor-class splitting, and a
// fresh bulk fill, returning one block for the caller (and staging any
// extras into cache).
func trySlowPath(e *bootstrap.Engine, cache *tlscache.Cache, class int) *sizeclass.Header {
	cpu := osmem.CPUID()

	batch := clampBatch(batchHint[class].Load())
	if head, tail, n, ok := e.ICC.PopBatch(cpu, class, batch); ok {
		adjustBatchHint(class, n, batch)
		return installKeepOne(cache, class, head, tail, n)
	}
	adjustBatchHint(class, 0, batch)

	if h := trySplit(e, cache, cpu, class); h != nil {
		return h
	}

	for attempt := 0; attempt < 3; attempt++ {
		useHuge := e.Config.UseTHP && class == sizeclass.NumClasses-1
		res, err := bulkfill.Fill(e.VA, class, useHuge)
		if err != nil {
			continue
		}
		return installKeepOne(cache, class, res.Head, res.Tail, res.Count)
	}
	return nil
}

// installKeepOne detaches head from a head..tail chain of n nodes, stages
// the remainder into cache, and returns head for the caller.
func installKeepOne(cache *tlscache.Cache, class int, head, tail *sizeclass.Header, n int) *sizeclass.Header {
	if n <= 0 || head == nil {
		return nil
	}
	if n == 1 {
		return head
	}
	rest := head.Next
	head.Next = nil
	cache.PushTailed(class, rest, tail, n-1)
	return head
}

func adjustBatchHint(class, got, want int) {
	cur := batchHint[class].Load()
	if got >= want {
		batchHint[class].Store(cur + 1)
	} else if got < want {
		batchHint[class].Store(cur - 1)
	}
}

func blockSize(class int) int {
	return sizeclass.AlignUp(sizeclass.Classes[class]+int(sizeclass.HeaderSize), 16)
}

// trySplit donates a larger (<=4096-payload) block from the ICC, cuts it
// into same-size sub-blocks of the requested class, keeps one and pushes
// the rest back to the ICC at the target class.
func trySplit(e *bootstrap.Engine, cache *tlscache.Cache, cpu, class int) *sizeclass.Header {
	target := blockSize(class)
	for donor := class + 1; donor < sizeclass.NumClasses && sizeclass.Classes[donor] <= 4096; donor++ {
		donorBlock := blockSize(donor)
		if donorBlock%target != 0 {
			continue
		}
		pieces := donorBlock / target
		if pieces < 2 {
			continue
		}
		h, _, n, ok := e.ICC.PopBatch(cpu, donor, 1)
		if !ok || n == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(h))
		var head, tail *sizeclass.Header
		for i := pieces - 1; i >= 0; i-- {
			sub := (*sizeclass.Header)(unsafe.Pointer(base + uintptr(i*target)))
			sub.Class = uint8(class)
			sub.Magic = sizeclass.FreedMagic
			sub.LifeTime = 0
			if i == pieces-1 {
				sub.Next = nil
				tail = sub
			} else {
				sub.Next = head
			}
			head = sub
		}
		if pieces > 1 {
			e.ICC.Push(cpu, class, icc.KindLocal, head.Next, tail, pieces-1)
		}
		head.Next = nil
		return head
	}
	return nil
}

// bigAlloc serves a request too large for any size class directly from
// the VA bitmap, recording it in the big-allocation map.
func bigAlloc(e *bootstrap.Engine, size int) unsafe.Pointer {
	total := sizeclass.AlignUp(size+int(sizeclass.HeaderSize), osmem.PageSize)
	addr, err := e.VA.Alloc(total)
	if err != nil {
		return nil
	}
	if err := osmem.MapFixedRW(addr, total); err != nil {
		e.VA.Free(addr, total)
		return nil
	}
	if e.Config.UseTHP {
		osmem.AdviseHugePage(addr, total)
	}
	h := (*sizeclass.Header)(unsafe.Pointer(addr))
	h.Next = nil
	h.Class = sizeclass.BigClass
	h.Magic = sizeclass.Magic
	h.LifeTime = 0
	e.Big.Insert(addr, bigalloc.Record{Size: size, Class: sizeclass.BigClass})
	return sizeclass.ToUser(h)
}

// Calloc implements the C calloc surface: overflow-checked nmemb*size,
// then a full zero of the payload.
func Calloc(nmemb, size int) unsafe.Pointer {
	if nmemb < 0 || size < 0 {
		return nil
	}
	if nmemb != 0 && size > (1<<62)/nmemb {
		return nil // overflow
	}
	total := nmemb * size
	p := Malloc(total)
	if p == nil {
		return nil
	}
	if total > 0 {
		clear(sizeclass.Payload(p, total))
	}
	return p
}

// MallocUsableSize reports the full payload capacity backing ptr.
func MallocUsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	e := bootstrap.Get()
	h, ok := resolveHeader(e, ptr)
	if !ok {
		return 0
	}
	if h.Class == sizeclass.BigClass {
		if rec, ok := e.Big.Lookup(uintptr(unsafe.Pointer(h))); ok {
			return rec.Size
		}
		return 0
	}
	return sizeclass.Classes[h.Class]
}

// Free implements the C free surface.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	e := bootstrap.Get()
	e.Tick()
	if !e.IsOurs(uintptr(ptr)) && !hasAlignTag(e, ptr) {
		if HostFree != nil {
			HostFree(ptr)
		}
		return
	}

	h := FromUserResolved(e, ptr)
	if h == nil {
		return
	}
	switch h.Magic {
	case sizeclass.Magic:
		// expected; fall through
	case sizeclass.FreedMagic:
		bootstrap.Abort("DoubleFree", uintptr(unsafe.Pointer(h)), "magic byte already marks this header freed")
		return
	default:
		bootstrap.Abort("MemoryCorruption", uintptr(unsafe.Pointer(h)), "header magic byte matches neither live nor freed value")
		return
	}

	if h.Class == sizeclass.BigClass {
		freeBig(e, h)
		return
	}

	h.Magic = sizeclass.FreedMagic
	h.LifeTime = e.Stamp.Load()

	class := int(h.Class)
	cache := cacheFor()
	if cache.Count(class) >= tlscache.TLSMaxBlocks {
		if head, tail, n, ok := overflowBatch(cache, class); ok {
			e.ICC.Push(osmem.CPUID(), class, icc.KindLocal, head, tail, n)
		}
		e.ICC.Push(osmem.CPUID(), class, icc.KindLocal, h, h, 1)
		return
	}
	cache.Push(class, h)
}

func overflowBatch(cache *tlscache.Cache, class int) (*sizeclass.Header, *sizeclass.Header, int, bool) {
	head, tail, n := cache.PopBatch(class, tlscache.SpillBatch)
	return head, tail, n, n > 0
}

func freeBig(e *bootstrap.Engine, h *sizeclass.Header) {
	addr := uintptr(unsafe.Pointer(h))
	rec, ok := e.Big.Lookup(addr)
	if !ok {
		bootstrap.Abort("AttackOrCorruption", addr, "big allocation header not present in big-allocation map")
		return
	}
	total := sizeclass.AlignUp(rec.Size+int(sizeclass.HeaderSize), osmem.PageSize)
	_ = osmem.AdviseDontNeed(addr, total)
	_ = osmem.ProtectNone(addr, total)
	e.VA.Free(addr, total)
	e.Big.Remove(addr)
}

// resolveHeader recovers the header for ptr, following the aligned-return
// tag if present, without validating the magic byte (used by
// MallocUsableSize, which must tolerate foreign pointers gracefully).
func resolveHeader(e *bootstrap.Engine, ptr unsafe.Pointer) (*sizeclass.Header, bool) {
	if tagged, ok := recoverAlignedHeader(e, ptr); ok {
		return tagged, true
	}
	if !e.IsOurs(uintptr(ptr)) {
		return nil, false
	}
	return sizeclass.FromUser(ptr), true
}

// FromUserResolved is resolveHeader without the "tolerate foreign
// pointers" relaxation: callers that already checked IsOurs/hasAlignTag
// use this to get the real header.
func FromUserResolved(e *bootstrap.Engine, ptr unsafe.Pointer) *sizeclass.Header {
	if tagged, ok := recoverAlignedHeader(e, ptr); ok {
		return tagged
	}
	return sizeclass.FromUser(ptr)
}
