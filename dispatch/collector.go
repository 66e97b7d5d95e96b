package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/queue"
	"github.com/nearforge/ftgate/types"
)

// adaptiveWindow is the horizon of batch-duration history feeding the
// adaptive size calculation.
const adaptiveWindow = 30 * time.Second

// CollectorConfig tunes the batch collector.
type CollectorConfig struct {
	// BatchSize is the base batch size; the adaptive rule scales between
	// half and double of it.
	BatchSize int
	// Interval is the tick cadence.
	Interval time.Duration
	// MaxConcurrentBatches caps batches in flight; ticks are skipped at
	// the cap.
	MaxConcurrentBatches int
}

// Collector drains the ingress queue into batches on a fixed cadence. The
// batch size adapts to queue depth and to how long recent batches took.
// A wake signal from the queue cuts a batch early under burst load.
type Collector struct {
	cfg    CollectorConfig
	queue  *queue.Queue
	engine *metrics.Engine

	// launch hands a drained batch to the dispatcher without blocking.
	// saturated reports whether the executor is at its batch cap.
	launch    func(context.Context, []*types.QueuedTransfer)
	saturated func() bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCollector builds a collector over q. Ownership of launch decisions
// stays with the dispatcher through the two callbacks.
func NewCollector(cfg CollectorConfig, q *queue.Queue, engine *metrics.Engine,
	launch func(context.Context, []*types.QueuedTransfer), saturated func() bool) *Collector {
	return &Collector{
		cfg:       cfg,
		queue:     q,
		engine:    engine,
		launch:    launch,
		saturated: saturated,
	}
}

// Start launches the tick loop. Calling Start on a running collector is a
// no-op.
func (col *Collector) Start(ctx context.Context) {
	col.mu.Lock()
	defer col.mu.Unlock()
	if col.cancel != nil {
		return
	}
	ctx, col.cancel = context.WithCancel(ctx)
	go col.run(ctx)
	log.Infow("batch collector started",
		"batchSize", col.cfg.BatchSize,
		"interval", col.cfg.Interval.String(),
		"maxConcurrentBatches", col.cfg.MaxConcurrentBatches)
}

// Stop halts the tick loop. Batches already launched keep running.
func (col *Collector) Stop() {
	col.mu.Lock()
	defer col.mu.Unlock()
	if col.cancel != nil {
		col.cancel()
		col.cancel = nil
	}
}

func (col *Collector) run(ctx context.Context) {
	ticker := time.NewTicker(col.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			col.collect(ctx)
		case <-col.queue.Wake():
			col.collect(ctx)
		}
	}
}

// collect cuts at most one batch. Skips when the queue is empty or the
// executor is saturated.
func (col *Collector) collect(ctx context.Context) {
	if col.saturated() {
		return
	}
	depth := col.queue.Len()
	if depth == 0 {
		return
	}
	batch := col.queue.Drain(col.adaptiveSize(depth))
	if len(batch) == 0 {
		return
	}
	col.launch(ctx, batch)
}

// adaptiveSize picks the next batch size. Deep backlogs double the base,
// shallow queues shrink it, and batch durations out of proportion to the
// tick interval nudge it when the depth rules do not apply.
func (col *Collector) adaptiveSize(depth int) int {
	base := col.cfg.BatchSize
	avg := col.engine.RecentBatchDuration(adaptiveWindow)
	switch {
	case depth > 3*base:
		return min(2*base, depth)
	case depth < base/2:
		return max(1, min(base/2, depth))
	case avg > 2*col.cfg.Interval:
		return int(math.Floor(0.7 * float64(base)))
	case avg > 0 && avg < col.cfg.Interval/2:
		return int(math.Ceil(1.5 * float64(base)))
	default:
		return base
	}
}
