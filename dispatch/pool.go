package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PoolConfig sizes the shared work pool.
type PoolConfig struct {
	// Capacity bounds how many tasks run at once.
	Capacity int
	// TaskTimeout cancels a task's context after this long. Zero disables
	// the per-task deadline.
	TaskTimeout time.Duration
	// IntervalCap releases at most this many tasks per Interval. Zero or
	// negative disables rate shaping.
	IntervalCap int
	Interval    time.Duration
}

// WorkPool bounds transaction execution. Admission is a semaphore; an
// optional interval gate shapes the start rate; each admitted task runs
// under its own deadline. Batch transfers and direct transfers share one
// pool so the global parallelism bound holds across both paths.
type WorkPool struct {
	sem         *semaphore.Weighted
	taskTimeout time.Duration
	gate        *intervalGate
	inflight    atomic.Int64
}

// NewWorkPool builds a pool with the given bounds. Capacity must be
// positive.
func NewWorkPool(cfg PoolConfig) *WorkPool {
	p := &WorkPool{
		sem:         semaphore.NewWeighted(int64(cfg.Capacity)),
		taskTimeout: cfg.TaskTimeout,
	}
	if cfg.IntervalCap > 0 && cfg.Interval > 0 {
		p.gate = &intervalGate{cap: cfg.IntervalCap, interval: cfg.Interval}
	}
	return p
}

// Run executes task in the caller's goroutine once a slot is free. The
// error is non-nil only when ctx ended before the task started; the task
// itself reports its result through its own side effects.
func (p *WorkPool) Run(ctx context.Context, task func(context.Context)) error {
	if p.gate != nil {
		if err := p.gate.acquire(ctx); err != nil {
			return err
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	tctx := ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}
	task(tctx)
	return nil
}

// Inflight is the number of tasks currently running.
func (p *WorkPool) Inflight() int64 { return p.inflight.Load() }

// intervalGate releases a bounded number of permits per interval. Callers
// beyond the cap wait for the window to roll over.
type intervalGate struct {
	cap      int
	interval time.Duration

	mu          sync.Mutex
	windowStart time.Time
	used        int
}

func (g *intervalGate) acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		if now.Sub(g.windowStart) >= g.interval {
			g.windowStart = now
			g.used = 0
		}
		if g.used < g.cap {
			g.used++
			g.mu.Unlock()
			return nil
		}
		wait := g.interval - now.Sub(g.windowStart)
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
