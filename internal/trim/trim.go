// Package trim implements the background decay & trim engine: a worker
// that measures average block age, picks a decay level, and advises idle
// pages away under memory pressure without releasing their VA
// reservation.
//
// Reading /proc/meminfo stands in for a portable sysinfo(2) wrapper,
// since neither the standard library nor golang.org/x/sys/unix expose
// one with free/available memory fields.
package trim

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/oxidalloc/goxidalloc/internal/bigalloc"
	"github.com/oxidalloc/goxidalloc/internal/bootstrap"
	"github.com/oxidalloc/goxidalloc/internal/icc"
	"github.com/oxidalloc/goxidalloc/internal/osmem"
	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

// Level is the decay/trim aggressiveness tier, chosen from the recent
// average block age.
type Level int

const (
	Normal Level = iota
	Medium
	High
	Aggressive
)

func (l Level) String() string {
	switch l {
	case Medium:
		return "medium"
	case High:
		return "high"
	case Aggressive:
		return "aggressive"
	default:
		return "normal"
	}
}

// levelParams gives the loop period and trim-threshold bytes for a level,
// period 150ms..20ms and threshold 512MiB..32MiB from Normal to
// Aggressive.
type levelParams struct {
	period    time.Duration
	threshold uint64
}

var table = [...]levelParams{
	Normal:     {150 * time.Millisecond, 512 << 20},
	Medium:     {80 * time.Millisecond, 256 << 20},
	High:       {40 * time.Millisecond, 128 << 20},
	Aggressive: {20 * time.Millisecond, 32 << 20},
}

// pressureForceThreshold is the percentage of used-over-total memory that
// forces an immediate trim regardless of elapsed time.
const pressureForceThreshold = 85.0

// trimBatch is the per-(cpu,class) pop size during a trim pass.
const trimBatch = 16

// Engine runs the decay/trim loop against one bootstrap.Engine.
type Engine struct {
	boot *bootstrap.Engine

	avgAge   float64
	lastTrim time.Time
	stop     chan struct{}
	done     chan struct{}

	// IntervalOverride, when non-zero, replaces the decay table's loop
	// period (OXIDALLOC_TRIM_INTERVAL).
	IntervalOverride time.Duration

	// ThresholdOverride, when non-zero, replaces the decay table's
	// trim-threshold bytes (OX_TRIM_THRESHOLD).
	ThresholdOverride uint64
}

// New builds a trim engine bound to e, honoring any environment overrides
// already resolved into e.Config.
func New(e *bootstrap.Engine) *Engine {
	return &Engine{
		boot:              e,
		lastTrim:          time.Time{},
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		IntervalOverride:  e.Config.TrimIntervalOverride,
		ThresholdOverride: e.Config.TrimThreshold,
	}
}

// currentLevel maps the tracked average block age (in stamp units) to a
// decay level. Higher average age (blocks sitting idle longer) means
// lower urgency -> Normal; low average age (churn) escalates urgency, to
// match thread.rs's intent of trimming more aggressively during bursty
// allocate/free churn.
func (e *Engine) currentLevel() Level {
	switch {
	case e.avgAge < 4:
		return Aggressive
	case e.avgAge < 16:
		return High
	case e.avgAge < 64:
		return Medium
	default:
		return Normal
	}
}

func (e *Engine) period() time.Duration {
	if e.IntervalOverride > 0 {
		return e.IntervalOverride
	}
	return table[e.currentLevel()].period
}

func (e *Engine) threshold() uint64 {
	if e.ThresholdOverride > 0 {
		return e.ThresholdOverride
	}
	return table[e.currentLevel()].threshold
}

// Start launches the tick loop in its own goroutine. Stop halts it.
func (e *Engine) Start() {
	go e.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-time.After(e.period()):
		}
		e.boot.Stamp.Add(1)

		pressure, _ := memoryPressurePercent()
		force := pressure >= pressureForceThreshold
		due := time.Since(e.lastTrim) >= e.period()*4 // due four loop periods after the last pass; average block age is not consulted

		if force || due {
			e.runTrimPass()
			e.lastTrim = time.Now()
		}
	}
}

// runTrimPass pops a batch of idle blocks per (cpu, class), partitions
// them by age, advises the older portion away, and compacts the
// big-allocation map.
func (e *Engine) runTrimPass() {
	var freed uint64
	var ageSum, ageCount int64
	budget := e.threshold()

	for class := sizeclass.Class4096(); class < sizeclass.NumClasses && freed < budget; class++ {
		block := blockSizeForTrim(class)
		for cpu := 0; cpu < e.boot.ICC.NumShards() && freed < budget; cpu++ {
			head, _, n := e.boot.ICC.PopForTrim(cpu, class, trimBatch)
			if n == 0 {
				continue
			}
			keepHead, keepTail, keepN, candHead, candTail, candN, sum := partitionByAge(head, e.avgAge)
			ageSum += sum
			ageCount += int64(candN + keepN)

			if keepN > 0 {
				e.boot.ICC.Push(cpu, class, icc.KindPushed, keepHead, keepTail, keepN)
			}
			if candN > 0 {
				adviseChainAway(candHead, block)
				e.boot.ICC.Push(cpu, class, icc.KindTrimmed, candHead, candTail, candN)
				freed += uint64(candN * block)
			}
		}
	}

	removed := e.boot.Big.Compact(func(addr uintptr, rec bigalloc.Record) bool {
		return true // structural tombstone compaction only; live entries always kept
	})
	_ = removed

	if ageCount > 0 {
		e.avgAge = float64(ageSum) / float64(ageCount)
	}
}

func blockSizeForTrim(class int) int {
	return sizeclass.AlignUp(sizeclass.Classes[class]+int(sizeclass.HeaderSize), 16)
}

// partitionByAge splits a chain into blocks older than avgAge (candidates
// for trimming) and the rest (kept).
func partitionByAge(head *sizeclass.Header, avgAge float64) (keepHead, keepTail *sizeclass.Header, keepN int, candHead, candTail *sizeclass.Header, candN int, ageSum int64) {
	for node := head; node != nil; {
		next := node.Next
		node.Next = nil
		age := int64(node.LifeTime)
		ageSum += age
		if float64(age) > avgAge {
			if candHead == nil {
				candHead = node
			} else {
				candTail.Next = node
			}
			candTail = node
			candN++
		} else {
			if keepHead == nil {
				keepHead = node
			} else {
				keepTail.Next = node
			}
			keepTail = node
			keepN++
		}
		node = next
	}
	return
}

func adviseChainAway(head *sizeclass.Header, block int) {
	for node := head; node != nil; node = node.Next {
		base := uintptr(unsafe.Pointer(node))
		lo := uintptr(sizeclass.AlignUp(int(base+sizeclass.HeaderSize), osmem.PageSize))
		hi := (base + uintptr(block)) &^ (osmem.PageSize - 1)
		if hi > lo {
			_ = osmem.AdviseDontNeed(lo, int(hi-lo))
		}
	}
}

// memoryPressurePercent reads /proc/meminfo and returns
// (total-available)/total*100.
func memoryPressurePercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
		if total != 0 && available != 0 {
			break
		}
	}
	if total == 0 {
		return 0, os.ErrInvalid
	}
	return float64(total-available) / float64(total) * 100, nil
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
