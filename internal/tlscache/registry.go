package tlscache

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID parses the numeric id out of runtime.Stack's header line
// ("goroutine 123 [running]:"). It's a well-known, widely used trick (the
// same one packages like petermattis/goid rely on) for associating
// process-local state with "whichever goroutine is calling right now"
// when there is no public API for it — the closest a pure-Go registry can
// get to an OS-thread-keyed TLS slot.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// entry pairs a Cache with a generation counter, used by Sweep to decide
// whether a goroutine id has been dormant long enough that its Cache is
// almost certainly abandoned.
type entry struct {
	cache    *Cache
	lastSeen uint64
}

// Registry maps goroutine ids to Cache handles for the package-level
// convenience entry points (core's non-cgo callers, which have no natural
// place of their own to keep a handle pinned). It cannot detect goroutine
// exit directly — Go provides no hook for that — so entries are evicted
// and drained only by Sweep, for entries that have not been touched across
// a generation. Nothing in this module calls Sweep (the decay/trim engine
// does not); until a caller does, every goroutine's Cache stays registered
// together with the blocks in its bins.
type Registry struct {
	mu    sync.Mutex
	byGID map[uint64]*entry
	gen   uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byGID: make(map[uint64]*entry)}
}

// Current returns the Cache for the calling goroutine, creating one via
// newCache if none exists yet.
func (r *Registry) Current(newCache func() *Cache) *Cache {
	gid := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byGID[gid]
	if !ok {
		e = &entry{cache: newCache()}
		r.byGID[gid] = e
	}
	e.lastSeen = r.gen
	return e.cache
}

// Sweep advances the generation counter and evicts (draining via Release)
// every entry not touched since the previous call, i.e. every goroutine
// that has not allocated since the last sweep interval.
func (r *Registry) Sweep() (evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.gen
	r.gen++
	for gid, e := range r.byGID {
		if e.lastSeen < cur {
			e.cache.Release()
			delete(r.byGID, gid)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked goroutine caches (test/debug use).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byGID)
}
