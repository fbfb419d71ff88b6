// Command oxibench is a small fuzz/bench harness driving internal/core
// through randomized allocate/free/realloc sequences, reporting basic
// throughput.
package main

import (
	"flag"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/core"
	"github.com/oxidalloc/goxidalloc/internal/trim"
)

func main() {
	threads := flag.Int("threads", 4, "concurrent worker goroutines")
	ops := flag.Int("ops", 200000, "allocate/free operations per worker")
	maxSize := flag.Int("max-size", 64<<10, "largest single allocation in bytes")
	debug := flag.Bool("debug", false, "enable ICC hit/steal counters")
	flag.Parse()

	e := bootstrap.Get()
	e.ICC.Debug = *debug
	trimmer := trim.New(e)
	trimmer.Start()
	defer trimmer.Stop()

	start := time.Now()
	var wg sync.WaitGroup
	var total int64
	var mu sync.Mutex
	for w := 0; w < *threads; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			n := runWorker(seed, *ops, *maxSize)
			mu.Lock()
			total += n
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("ops=%d elapsed=%s ops/sec=%.0f\n", total, elapsed, float64(total)/elapsed.Seconds())
	if *debug {
		s := e.ICC.Stats()
		fmt.Printf("icc hits=%d steals=%d\n", s.Hits, s.Steals)
	}
}

// runWorker drives a single goroutine through a randomized sequence of
// allocate/occasionally-free operations, freeing everything still held at
// the end, and returns the number of operations performed.
func runWorker(seed, ops, maxSize int) int64 {
	rng, err := mathutil.NewFC32(1, maxSize, false)
	if err != nil {
		panic(err)
	}
	rng.Seed(int32(seed))

	var held []unsafe.Pointer
	var n int64
	for i := 0; i < ops; i++ {
		if len(held) > 64 || (len(held) > 0 && rng.Next()%3 == 0) {
			idx := rng.Next() % len(held)
			core.Free(held[idx])
			held[idx] = held[len(held)-1]
			held = held[:len(held)-1]
			n++
			continue
		}
		size := rng.Next()
		if p := core.Malloc(size); p != nil {
			held = append(held, p)
		}
		n++
	}
	for _, p := range held {
		core.Free(p)
	}
	return n
}
