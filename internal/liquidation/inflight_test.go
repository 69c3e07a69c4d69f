package liquidation

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlight(t *testing.T) {
	f := NewInFlight()

	release, ok := f.TryAcquire("1")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := f.TryAcquire("1"); ok {
		t.Fatal("second acquire of same token succeeded")
	}
	if _, ok := f.TryAcquire("2"); !ok {
		t.Fatal("acquire of different token failed")
	}
	if !f.Contains("1") || f.Len() != 2 {
		t.Fatalf("Contains=%v Len=%d", f.Contains("1"), f.Len())
	}

	release()
	release()
	if f.Contains("1") {
		t.Fatal("token still claimed after release")
	}
	if _, ok := f.TryAcquire("1"); !ok {
		t.Fatal("reacquire after release failed")
	}
}

func TestInFlightConcurrentClaims(t *testing.T) {
	f := NewInFlight()
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := f.TryAcquire("42"); ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := won.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}
