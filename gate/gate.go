// Package gate bounds the number of in-flight upstream calls with a
// fair FIFO semaphore.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore with strict FIFO wait order. Waiters are
// context-aware, so a disconnected client stops queuing immediately.
// There is no priority and no preemption.
type Gate struct {
	sem *semaphore.Weighted
	max int

	mu     sync.Mutex
	active int
	queued int
}

// New creates a gate admitting at most max concurrent holders.
func New(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{
		sem: semaphore.NewWeighted(int64(max)),
		max: max,
	}
}

// Acquire blocks until a permit is available or ctx is done. Callers
// must pair every successful Acquire with exactly one Release, on every
// exit path.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	g.queued++
	g.mu.Unlock()

	err := g.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.queued--
	if err == nil {
		g.active++
	}
	g.mu.Unlock()
	return err
}

// Release returns a permit, handing it to the head of the wait queue.
func (g *Gate) Release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	g.sem.Release(1)
}

// Stats reports current holders, waiters, and the configured cap.
func (g *Gate) Stats() (active, queued, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.queued, g.max
}
