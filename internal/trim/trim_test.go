package trim

import (
	"testing"

	"github.com/oxidalloc/goxidalloc/internal/sizeclass"
)

func TestPartitionByAge(t *testing.T) {
	young := &sizeclass.Header{LifeTime: 1}
	old := &sizeclass.Header{LifeTime: 100}
	young.Next = old

	keepHead, _, keepN, candHead, _, candN, sum := partitionByAge(young, 10)
	if keepN != 1 || keepHead != young {
		t.Fatalf("expected young block kept, got keepN=%d", keepN)
	}
	if candN != 1 || candHead != old {
		t.Fatalf("expected old block as trim candidate, got candN=%d", candN)
	}
	if sum != 101 {
		t.Fatalf("age sum = %d, want 101", sum)
	}
}

func TestMemoryPressurePercentReadable(t *testing.T) {
	pct, err := memoryPressurePercent()
	if err != nil {
		t.Skipf("no /proc/meminfo on this platform: %v", err)
	}
	if pct < 0 || pct > 100 {
		t.Fatalf("pressure %v out of [0,100]", pct)
	}
}

func TestCurrentLevelThresholds(t *testing.T) {
	e := &Engine{avgAge: 1}
	if e.currentLevel() != Aggressive {
		t.Fatalf("expected Aggressive for low avg age")
	}
	e.avgAge = 1000
	if e.currentLevel() != Normal {
		t.Fatalf("expected Normal for high avg age")
	}
}
