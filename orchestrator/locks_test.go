package orchestrator

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("txn-a")
			defer km.Unlock("txn-a")

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if n := len(km.locks); n != 0 {
		t.Errorf("lock entries left after release = %d, want 0", n)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	km.Lock("txn-a")
	defer km.Unlock("txn-a")

	done := make(chan struct{})
	go func() {
		km.Lock("txn-b")
		km.Unlock("txn-b")
		close(done)
	}()

	// Must not block behind txn-a.
	<-done
}
