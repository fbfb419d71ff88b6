// Package bootstrap owns the process-wide one-shot initialization of every
// other component: the VA reservation, the interconnect cache grid, the
// big-allocation map, the random magic bytes and the aligned-return tag.
//
// Initialization (reserve VA, seed magics via getrandom, flip a
// hot-ready flag once a warmup threshold of operations has passed) runs
// behind a once-gate: a compare-exchange state machine
// (Uninit -> InProgress -> Done) with a spin-wait on concurrent
// initializers, used instead of sync.Once because a fork-safety reset
// hook needs to force the gate back to Uninit in a child process —
// something sync.Once's internal state does not expose.
package bootstrap

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/oxidalloc/goxidalloc/internal/bigalloc"
	"github.com/oxidalloc/goxidalloc/internal/envconfig"
	"github.com/oxidalloc/goxidalloc/internal/icc"
	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
	"github.com/oxidalloc/goxidalloc/internal/tlscache"
	"github.com/oxidalloc/goxidalloc/internal/vamap"
)

// warmupThreshold is the number of malloc/free calls observed before the
// hot-ready flag flips. Nothing in this module consults HotReady: the trim
// worker is started by its owner (cmd/liboxidalloc's init, cmd/oxibench)
// regardless of warmup, and early allocations are not throttled.
const warmupThreshold = 64

// Engine is the full set of process-singleton state created at
// bootstrap: the VA reservation, the interconnect cache, the
// big-allocation map, the thread-cache registry, and the tunables.
type Engine struct {
	VA       *vamap.Bitmap
	ICC      *icc.ICC
	Big      *bigalloc.Map
	Registry *tlscache.Registry
	Config   envconfig.Config

	// AlignTag is the bootstrap-random sentinel written immediately before
	// a user pointer returned by an over-aligned allocation, recovered by
	// Free/Realloc to locate the real header. Using a random value rather
	// than a fixed constant closes off an attacker spoofing the tag to
	// fake an aligned allocation.
	AlignTag uint64

	// Stamp is OX_CURRENT_STAMP: a virtual clock advanced once per decay
	// engine tick and recorded into a header's LifeTime at free.
	Stamp atomic.Uint32

	stage    atomic.Int64
	hotReady atomic.Bool
}

// IsOurs reports whether addr falls inside the reserved VA window.
func (e *Engine) IsOurs(addr uintptr) bool {
	return addr >= e.VA.Start() && addr < e.VA.End()
}

// Tick advances the bootstrap stage counter and flips HotReady once the
// warmup threshold is crossed. Called once per malloc/free/calloc/realloc
// from internal/core.
func (e *Engine) Tick() {
	if e.hotReady.Load() {
		return
	}
	if e.stage.Add(1) >= warmupThreshold {
		e.hotReady.Store(true)
	}
}

// HotReady reports whether warmup has completed.
func (e *Engine) HotReady() bool { return e.hotReady.Load() }

// gateState values for the bootstrap once-gate.
const (
	gateUninit int32 = iota
	gateInProgress
	gateDone
)

var gate atomic.Int32
var engine *Engine

func init() { gate.Store(gateUninit) }

// Get returns the process-singleton Engine, performing one-shot
// initialization on first call. Concurrent callers during initialization
// spin-wait rather than block.
func Get() *Engine {
	for {
		switch gate.Load() {
		case gateDone:
			return engine
		case gateUninit:
			if gate.CompareAndSwap(gateUninit, gateInProgress) {
				engine = newEngine()
				gate.Store(gateDone)
				return engine
			}
		}
		// gateInProgress, or lost the CAS race: spin.
	}
}

func newEngine() *Engine {
	cfg := envconfig.Load()

	va, err := vamap.New(int(cfg.MaxReservation))
	if err != nil {
		abort("OutOfReservation", err)
	}

	magic, freed := randomMagics()
	sizeclass.SetMagics(magic, freed)

	tag, err := randomUint64()
	if err != nil {
		abort("SecurityViolation", err)
	}

	grid := icc.New(osmem.NumShards())
	if grid == nil {
		abort("ICCFailedToInitialize", nil)
	}

	e := &Engine{
		VA:       va,
		ICC:      grid,
		Big:      bigalloc.New(),
		Registry: tlscache.NewRegistry(),
		Config:   cfg,
		AlignTag: tag,
	}
	return e
}

// randomMagics draws two distinct, non-zero bytes from the kernel CSPRNG
// for the live/freed header markers.
func randomMagics() (magic, freed byte) {
	var buf [2]byte
	for {
		if err := osmem.GetRandom(buf[:]); err != nil {
			abort("SecurityViolation", err)
		}
		if buf[0] != 0 && buf[1] != 0 && buf[0] != buf[1] {
			return buf[0], buf[1]
		}
	}
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if err := osmem.GetRandom(buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// NewCacheKey draws a fresh random XOR-obfuscation key for a tlscache.Cache.
func NewCacheKey() uintptr {
	v, err := randomUint64()
	if err != nil {
		abort("SecurityViolation", err)
	}
	return uintptr(v)
}

// ResetAfterFork resets the bootstrap gate so the next Get reinitializes
// the engine from scratch, the same role a pthread_atfork child handler
// plays in a C allocator: the state a parent process built (spinlocks,
// reservations) may be left mid-acquisition in a cloned child. Go
// programs cannot safely fork() without exec() (the runtime's own
// goroutine scheduler does not survive it), so in pure Go this is
// unreachable and is kept only for API parity and for cgo callers that
// fork() from C and need a symbol to register via pthread_atfork
// themselves.
func ResetAfterFork() {
	gate.Store(gateUninit)
	engine = nil
}

// abort logs a structured diagnostic and terminates the process. This
// allocator never unwinds an integrity violation through an error return.
func abort(kind string, cause error) {
	if cause != nil {
		fmt.Fprintf(os.Stderr, "oxidalloc: fatal %s: %v\n", kind, cause)
	} else {
		fmt.Fprintf(os.Stderr, "oxidalloc: fatal %s\n", kind)
	}
	os.Exit(2)
}

// Abort is exported so internal/core can raise DoubleFree,
// MemoryCorruption and AttackOrCorruption through the same path.
func Abort(kind string, context uintptr, msg string) {
	fmt.Fprintf(os.Stderr, "oxidalloc: fatal %s at %#x: %s\n", kind, context, msg)
	os.Exit(2)
}
