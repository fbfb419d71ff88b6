package sizeclass

import (
	"testing"

	"github.com/cznic/mathutil"
)

func TestMatchLookupAgreesWithScan(t *testing.T) {
	for size := 1; size <= 4096; size++ {
		got := Match(size)
		want := scanClass(size)
		if got != want {
			t.Fatalf("Match(%d) = %d, want %d (scan)", size, got, want)
		}
	}
}

func TestMatchBeyondLargestClassSignalsBig(t *testing.T) {
	if c := Match(Classes[NumClasses-1] + 1); c != -1 {
		t.Fatalf("Match(largest+1) = %d, want -1", c)
	}
}

func TestMatchZeroIsClassZero(t *testing.T) {
	if c := Match(0); c != 0 {
		t.Fatalf("Match(0) = %d, want 0", c)
	}
}

func TestClassesAscending(t *testing.T) {
	for i := 1; i < NumClasses; i++ {
		if Classes[i] <= Classes[i-1] {
			t.Fatalf("class table not strictly ascending at %d: %d <= %d", i, Classes[i], Classes[i-1])
		}
	}
}

func TestRandomizedSizesMatchSmallestFittingClass(t *testing.T) {
	rng, err := mathutil.NewFC32(1, Classes[NumClasses-1], false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000; i++ {
		size := rng.Next()
		class := Match(size)
		if class < 0 {
			t.Fatalf("Match(%d) unexpectedly reported big-alloc", size)
		}
		if Classes[class] < size {
			t.Fatalf("class %d payload %d < requested %d", class, Classes[class], size)
		}
		if class > 0 && Classes[class-1] >= size {
			t.Fatalf("class %d is not the smallest fitting class for size %d", class, size)
		}
	}
}

func TestHeaderIs16Bytes(t *testing.T) {
	if HeaderSize != 16 {
		t.Fatalf("HeaderSize = %d, want 16", HeaderSize)
	}
}

func TestXorIsSelfInverse(t *testing.T) {
	h := &Header{Class: 1}
	key := uintptr(0xABCD1234)
	obfuscated := Xor(h, key)
	recovered := Xor(obfuscated, key)
	if recovered != h {
		t.Fatalf("Xor(Xor(h, key), key) != h")
	}
	if Xor(nil, key) != nil {
		t.Fatal("Xor(nil, key) should stay nil")
	}
}
