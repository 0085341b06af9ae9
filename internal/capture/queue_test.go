package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](0)
	for i := range 5 {
		q.Push(i)
	}
	ctx := context.Background()
	for want := range 5 {
		got, err := q.Take(ctx)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if got != want {
			t.Errorf("Take() = %d, want %d", got, want)
		}
	}
}

func TestQueueLimitDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := range 5 {
		q.Push(i)
	}
	if q.Len() != 3 || q.Dropped() != 2 {
		t.Fatalf("Len() = %d, Dropped() = %d, want 3, 2", q.Len(), q.Dropped())
	}
	got, _ := q.Take(context.Background())
	if got != 2 {
		t.Errorf("oldest = %d, want 2", got)
	}
}

func TestQueueTakeBlocksUntilPush(t *testing.T) {
	q := NewQueue[string](0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push("frame")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Take(ctx)
	if err != nil || got != "frame" {
		t.Fatalf("Take() = %q, %v", got, err)
	}
}

func TestQueueTakeHonorsContext(t *testing.T) {
	q := NewQueue[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Take(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take() error = %v, want deadline exceeded", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue[int](0)
	q.Push(1)
	q.Push(2)
	q.Close()
	q.Close()

	if q.Push(3) {
		t.Error("Push() after Close succeeded")
	}
	ctx := context.Background()
	for _, want := range []int{1, 2} {
		if got, err := q.Take(ctx); err != nil || got != want {
			t.Fatalf("Take() = %d, %v, want %d", got, err, want)
		}
	}
	if _, err := q.Take(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Take() error = %v, want ErrQueueClosed", err)
	}
}

func TestQueueWakesAllWaiters(t *testing.T) {
	q := NewQueue[int](0)
	results := make(chan int, 2)
	for range 2 {
		go func() {
			v, err := q.Take(context.Background())
			if err == nil {
				results <- v
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Push(1)
	q.Push(2)

	timeout := time.After(2 * time.Second)
	for range 2 {
		select {
		case <-results:
		case <-timeout:
			t.Fatal("waiter not woken")
		}
	}
}
