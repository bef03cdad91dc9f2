package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsTasks(t *testing.T) {
	pool := New(2, 8, nil)
	defer pool.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		if !pool.Submit(func(context.Context) {
			defer wg.Done()
			count.Add(1)
		}) {
			wg.Done()
		}
	}
	wg.Wait()
	if count.Load() != 5 {
		t.Errorf("ran %d tasks, want 5", count.Load())
	}
}

func TestPool_DropsOnOverflow(t *testing.T) {
	pool := New(1, 1, nil)
	defer pool.Close()

	block := make(chan struct{})
	pool.Submit(func(context.Context) { <-block })

	// Fill the queue, then overflow it.
	submitted := 0
	for i := 0; i < 10; i++ {
		if pool.Submit(func(context.Context) {}) {
			submitted++
		}
	}
	close(block)

	if submitted >= 10 {
		t.Error("expected some submissions to be dropped")
	}
	if pool.Dropped() == 0 {
		t.Error("dropped counter should be non-zero")
	}
}

func TestPool_CloseDrains(t *testing.T) {
	pool := New(2, 16, nil)

	var count atomic.Int32
	for i := 0; i < 8; i++ {
		pool.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	pool.Close()
	if count.Load() != 8 {
		t.Errorf("drained %d tasks, want 8", count.Load())
	}

	if pool.Submit(func(context.Context) {}) {
		t.Error("submit after close should fail")
	}
}

func TestPool_SubmitDuringClose(t *testing.T) {
	// Submitters racing Close must get a clean false, never a send on a
	// closed channel.
	for i := 0; i < 50; i++ {
		pool := New(2, 4, nil)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					pool.Submit(func(context.Context) {})
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			pool.Close()
		}()
		close(start)
		wg.Wait()

		if pool.Submit(func(context.Context) {}) {
			t.Fatal("submit after close should fail")
		}
	}
}

func TestPool_RecoverPanic(t *testing.T) {
	pool := New(1, 4, nil)
	defer pool.Close()

	done := make(chan struct{})
	pool.Submit(func(context.Context) { panic("boom") })
	pool.Submit(func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}
