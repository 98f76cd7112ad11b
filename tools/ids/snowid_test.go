package ids

import (
	"sync"
	"testing"
	"time"
)

func TestGeneratorMonotonicAndUnique(t *testing.T) {
	g := NewGenerator(7)
	seen := make(map[int64]struct{}, 20000)
	var last int64
	for i := 0; i < 20000; i++ {
		id := g.Next()
		if id <= last {
			t.Fatalf("id not increasing: %d <= %d", id, last)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		last = id
	}
}

func TestGeneratorConcurrent(t *testing.T) {
	g := NewGenerator(3)
	var mu sync.Mutex
	seen := make(map[int64]struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := g.Next()
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := NewGenerator(1).Next()
	got := Time(id)
	if got.Before(before.Truncate(time.Millisecond)) || got.After(time.Now().Add(time.Millisecond)) {
		t.Fatalf("Time(id)=%v, want around now", got)
	}
}
