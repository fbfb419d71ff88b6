package bootstrap

import "testing"

func TestGetIsIdempotent(t *testing.T) {
	e1 := Get()
	e2 := Get()
	if e1 != e2 {
		t.Fatal("Get returned distinct engines across calls")
	}
	if e1.VA == nil || e1.ICC == nil || e1.Big == nil {
		t.Fatal("engine missing required subsystems")
	}
}

func TestIsOurs(t *testing.T) {
	e := Get()
	if !e.IsOurs(e.VA.Start()) {
		t.Fatal("VA start address should be ours")
	}
	if e.IsOurs(0) {
		t.Fatal("nil address should never be ours")
	}
}

func TestTickFlipsHotReadyAtThreshold(t *testing.T) {
	e := newEngine()
	if e.HotReady() {
		t.Fatal("expected fresh engine to not be hot-ready yet")
	}
	for i := 0; i < warmupThreshold; i++ {
		e.Tick()
	}
	if !e.HotReady() {
		t.Fatal("expected engine to be hot-ready after warmup threshold")
	}
}
