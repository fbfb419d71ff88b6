// Command liboxidalloc builds a shared object exposing the C malloc family
// under ox_-prefixed names (ox_malloc, ox_free, ...), translating each
// exported symbol into a thin call into internal/core. This file contains
// no allocator logic of its own. Because of the prefix, loading the
// library (for example with LD_PRELOAD) does not replace libc's malloc,
// free and friends; callers reach this allocator through the ox_ names.
//
// Build with:
//
//	go build -buildmode=c-shared -o liboxidalloc.so ./cmd/liboxidalloc
package main

/*
#include <stdlib.h>
#include <errno.h>
*/
import "C"

import (
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/core"
	"github.com/oxidalloc/goxidalloc/internal/trim"
)

var trimmer *trim.Engine

func init() {
	e := bootstrap.Get()
	trimmer = trim.New(e)
	trimmer.Start()
}

//export ox_malloc
func ox_malloc(size C.size_t) unsafe.Pointer {
	return core.Malloc(int(size))
}

//export ox_calloc
func ox_calloc(nmemb, size C.size_t) unsafe.Pointer {
	return core.Calloc(int(nmemb), int(size))
}

//export ox_realloc
func ox_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	return core.Realloc(ptr, int(size))
}

//export ox_reallocarray
func ox_reallocarray(ptr unsafe.Pointer, nmemb, size C.size_t) unsafe.Pointer {
	return core.Reallocarray(ptr, int(nmemb), int(size))
}

//export ox_free
func ox_free(ptr unsafe.Pointer) {
	core.Free(ptr)
}

//export ox_posix_memalign
func ox_posix_memalign(out *unsafe.Pointer, align, size C.size_t) C.int {
	p, err := core.PosixMemalign(int(align), int(size))
	if err != nil {
		return C.EINVAL
	}
	if p == nil {
		return C.ENOMEM
	}
	*out = p
	return 0
}

//export ox_memalign
func ox_memalign(align, size C.size_t) unsafe.Pointer {
	return core.Memalign(int(align), int(size))
}

//export ox_aligned_alloc
func ox_aligned_alloc(align, size C.size_t) unsafe.Pointer {
	return core.AlignedAlloc(int(align), int(size))
}

//export ox_valloc
func ox_valloc(size C.size_t) unsafe.Pointer {
	return core.Valloc(int(size))
}

//export ox_pvalloc
func ox_pvalloc(size C.size_t) unsafe.Pointer {
	return core.Pvalloc(int(size))
}

//export ox_malloc_usable_size
func ox_malloc_usable_size(ptr unsafe.Pointer) C.size_t {
	return C.size_t(core.MallocUsableSize(ptr))
}

//export ox_reset_after_fork
func ox_reset_after_fork() {
	bootstrap.ResetAfterFork()
}

func main() {}
