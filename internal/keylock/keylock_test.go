package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesPerKey(t *testing.T) {
	locks := New()
	counters := map[string]int{"a": 0, "b": 0}
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := locks.Lock(key)
				defer unlock()
				counters[key]++
			}(key)
		}
	}
	wg.Wait()

	if counters["a"] != 50 || counters["b"] != 50 {
		t.Fatalf("counters = %v, want 50 each", counters)
	}
	if n := locks.Len(); n != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", n)
	}
}

func TestLockReleasesEntry(t *testing.T) {
	locks := New()
	unlock := locks.Lock("acct_1")
	if locks.Len() != 1 {
		t.Fatalf("Len() = %d while held, want 1", locks.Len())
	}
	unlock()
	if locks.Len() != 0 {
		t.Fatalf("Len() = %d after unlock, want 0", locks.Len())
	}
}
