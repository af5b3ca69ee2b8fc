package events

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOAcrossGrowth(t *testing.T) {
	q := NewQueue[int](4)

	// Interleave pops so the ring wraps before it grows.
	for i := 0; i < 2; i++ {
		q.Push(i)
	}
	if v, _ := q.TryPop(); v != 0 {
		t.Fatalf("TryPop() = %d, want 0", v)
	}
	for i := 2; i < 200; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) = false", i)
		}
	}

	for want := 1; want < 200; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Fatalf("TryPop() = %d, %v; want %d", v, ok, want)
		}
	}

	stats := q.Stats()
	if stats.Grows == 0 {
		t.Error("expected at least one grow")
	}
	if stats.Pushed != 200 || stats.Popped != 200 {
		t.Errorf("pushed/popped = %d/%d, want 200/200", stats.Pushed, stats.Popped)
	}
	if stats.HighWater < 150 {
		t.Errorf("HighWater = %d, want >= 150", stats.HighWater)
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string](2)

	got := make(chan string)
	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop() returned %q before any push", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Errorf("Pop() = %q, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop() did not wake")
	}
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int](8)
	q.Push(1)
	q.Push(2)
	q.Close()

	if q.Push(3) {
		t.Error("Push() after Close() = true")
	}
	for _, want := range []int{1, 2} {
		if v, ok := q.Pop(); !ok || v != want {
			t.Errorf("Pop() = %d, %v; want %d, true", v, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on closed empty queue = true")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	if got := q.Drain(3); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("Drain(3) = %v", got)
	}
	if got := q.Drain(0); len(got) != 2 {
		t.Errorf("Drain(0) = %v, want 2 items", got)
	}
	if got := q.Drain(0); got != nil {
		t.Errorf("Drain(0) on empty = %v, want nil", got)
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int](2)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()

	if q.Len() != 8000 {
		t.Errorf("Len() = %d, want 8000", q.Len())
	}
}
