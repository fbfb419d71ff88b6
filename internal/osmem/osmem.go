// Package osmem wraps the raw OS memory primitives the allocator needs:
// anonymous mmap/munmap, mprotect, madvise, getrandom and the per-CPU id
// used to shard the interconnect cache.
//
// cznic/memory talks to the kernel directly through the low-level
// "syscall" package (see its mmap_unix.go, which even open-codes
// syscall.Syscall(syscall.SYS_MUNMAP, ...)). This module upgrades that to
// golang.org/x/sys/unix, the idiomatic modern replacement for hand-rolled
// syscall numbers. Fixed-address mapping (required to commit memory at an
// address already claimed in the VA bitmap) still has to go through the
// raw SYS_MMAP syscall number, since x/sys/unix's typed Mmap helper does
// not accept a hint address — the same gap that forces cznic/memory down
// to raw syscalls in the first place.
package osmem

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize is the OS page size, fixed at 4 KiB for the VA bitmap's block
// granularity.
const PageSize = 4096

func byteSliceAt(addr uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func rawMmap(addr uintptr, size int, prot int, flags int) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, "osmem: mmap failed")
	}
	return r1, nil
}

// Reserve reserves size bytes of address space with PROT_NONE and
// MAP_NORESERVE, committing no physical memory — used once at bootstrap
// to carve out the whole region the VA bitmap will track.
func Reserve(size int) (uintptr, error) {
	return rawMmap(0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

// MapFixedRW maps size bytes read/write at a fixed address that has
// already been claimed in the VA bitmap. Used by the bulk filler and the
// big-allocation path to turn a bitmap reservation into real memory.
func MapFixedRW(addr uintptr, size int) error {
	_, err := rawMmap(addr, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	return err
}

// Unmap releases size bytes at addr back to the kernel entirely. The
// allocator paths do not call it: big-allocation frees and trims use
// AdviseDontNeed (plus ProtectNone for big frees), keeping the VA
// reservation alive.
func Unmap(addr uintptr, size int) error {
	if err := unix.Munmap(byteSliceAt(addr, size)); err != nil {
		return errors.Wrap(err, "osmem: munmap failed")
	}
	return nil
}

// ProtectNone removes all access to a range without unmapping it, used
// right before a big allocation's VA is returned to the bitmap.
func ProtectNone(addr uintptr, size int) error {
	if err := unix.Mprotect(byteSliceAt(addr, size), unix.PROT_NONE); err != nil {
		return errors.Wrap(err, "osmem: mprotect(PROT_NONE) failed")
	}
	return nil
}

// AdviseDontNeed tells the kernel the range's physical pages may be
// dropped immediately; the VA mapping itself is untouched, so a later
// touch simply page-faults in fresh zeroed pages. This is the trim
// engine's core primitive.
func AdviseDontNeed(addr uintptr, size int) error {
	if size <= 0 {
		return nil
	}
	if err := unix.Madvise(byteSliceAt(addr, size), unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "osmem: madvise(DONTNEED) failed")
	}
	return nil
}

// AdviseHugePage opts a range into transparent huge pages on a best-effort
// basis; failures are intentionally ignored, since this is only a hint.
func AdviseHugePage(addr uintptr, size int) {
	_ = unix.Madvise(byteSliceAt(addr, size), unix.MADV_HUGEPAGE)
}

// GetRandom fills buf with cryptographically strong random bytes from the
// kernel CSPRNG, returning an error (which bootstrap treats as a
// SecurityViolation abort) if the kernel RNG is unavailable or short-reads.
func GetRandom(buf []byte) error {
	n, err := unix.Getrandom(buf, 0)
	if err != nil {
		return errors.Wrap(err, "osmem: getrandom failed")
	}
	if n != len(buf) {
		return errors.New("osmem: getrandom short read")
	}
	return nil
}

// CPUID returns the kernel-reported CPU the calling goroutine's OS thread
// is currently running on. It is the sharding key for the interconnect
// cache. The result can go stale immediately if the goroutine is
// rescheduled; that's fine, it only ever affects which shard is probed
// first.
func CPUID() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil || cpu < 0 {
		return 0
	}
	return cpu
}

// NumShards is the number of per-CPU interconnect shards to allocate:
// runtime.NumCPU, the number of CPUs this process may run on. A CPU id
// from SchedGetcpu at or above that count is folded onto a shard by the
// interconnect cache's modulo.
func NumShards() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}
