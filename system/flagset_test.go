package system

import (
	"sync"
	"testing"
)

func TestFlagSet(t *testing.T) {
	fs := NewFlagSet()

	if fs.Load("acme") {
		t.Error("unset flags must read false")
	}

	if !fs.SwapIf("acme", true) {
		t.Error("expected the first swap to true to succeed")
	}
	if fs.SwapIf("acme", true) {
		t.Error("expected the second swap to true to fail")
	}
	if !fs.Load("acme") {
		t.Error("expected the flag to be set")
	}

	// Flags are independent per key.
	if fs.Load("other") {
		t.Error("other keys must be unaffected")
	}

	fs.Store("acme", false)
	if fs.Load("acme") {
		t.Error("expected the flag to be cleared")
	}
	if !fs.SwapIf("acme", true) {
		t.Error("expected the swap to succeed after clearing")
	}
}

func TestFlagSetSingleWinner(t *testing.T) {
	fs := NewFlagSet()

	var wg sync.WaitGroup
	winners := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fs.SwapIf("acme", true) {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	var n int
	for range winners {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one goroutine to claim the flag, got %d", n)
	}
}

func TestAtomicBool(t *testing.T) {
	var b AtomicBool
	if b.Load() {
		t.Error("zero value must be false")
	}
	if !b.SwapIf(true) {
		t.Error("expected the first swap to succeed")
	}
	if b.SwapIf(true) {
		t.Error("expected the second swap to fail")
	}
	b.Store(false)
	if b.Load() {
		t.Error("expected false after store")
	}
}
