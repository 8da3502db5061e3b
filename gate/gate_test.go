package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	g := New(2)

	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	active, queued, max := g.Stats()
	if active != 2 || queued != 0 || max != 2 {
		t.Errorf("Stats() = %d/%d/%d, want 2/0/2", active, queued, max)
	}

	g.Release()
	g.Release()
	active, _, _ = g.Stats()
	if active != 0 {
		t.Errorf("active after release = %d, want 0", active)
	}
}

func TestConcurrencyNeverExceedsMax(t *testing.T) {
	const max = 2
	const workers = 10
	g := New(max)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer g.Release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt64(&peak); p > max {
		t.Errorf("peak concurrency = %d, want at most %d", p, max)
	}
}

func TestAcquireCancelledWhileQueued(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx)
	}()

	// Wait until the second acquirer is queued, then cancel it.
	deadline := time.Now().Add(time.Second)
	for {
		_, queued, _ := g.Stats()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second acquirer never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("queued Acquire() error = %v, want context.Canceled", err)
	}

	_, queued, _ := g.Stats()
	if queued != 0 {
		t.Errorf("queued after cancellation = %d, want 0", queued)
	}

	// The permit is still held by the first acquirer and usable after
	// release.
	g.Release()
	if err := g.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestNewClampsToOne(t *testing.T) {
	g := New(0)
	_, _, max := g.Stats()
	if max != 1 {
		t.Errorf("max = %d, want 1", max)
	}
}
