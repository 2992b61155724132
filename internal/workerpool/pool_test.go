package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(4, 16)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if count.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", count.Load())
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()
	if stats.Submitted != 10 || stats.Completed != 10 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolQueueFull(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker
	if err := p.Submit(func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	// Fill the single queue slot
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if err := p.Submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Submit = %v, want ErrQueueFull", err)
	}
	if p.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d", p.Stats().Rejected)
	}

	close(release)
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := New(1, 8)

	var count atomic.Int32
	for i := 0; i < 8; i++ {
		if err := p.Submit(func() { count.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}

	p.Close()
	if count.Load() != 8 {
		t.Errorf("Close returned with %d of 8 tasks run", count.Load())
	}

	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Close = %v, want ErrPoolClosed", err)
	}
	// Second close is a no-op
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
