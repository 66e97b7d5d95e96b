// Package dispatch is the transfer pipeline: a bounded priority queue, an
// adaptive batch collector and a pool-bounded executor, glued together by
// the Dispatcher. The dispatcher owns admission, retry re-admission,
// in-flight bookkeeping and observer fan-out, and guarantees that every
// accepted transfer reaches exactly one terminal outcome.
package dispatch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nearforge/ftgate/keys"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/metrics"
	"github.com/nearforge/ftgate/neartx"
	"github.com/nearforge/ftgate/nonce"
	"github.com/nearforge/ftgate/queue"
	"github.com/nearforge/ftgate/types"
)

// Config tunes the whole pipeline.
type Config struct {
	ContractID string
	// Gas per ft_transfer call, in raw gas units.
	Gas uint64
	// Deposit attached to every call; the FT standard demands exactly one
	// yoctoNEAR.
	Deposit *big.Int

	BatchSize            int
	BatchInterval        time.Duration
	MaxParallel          int
	MaxConcurrentBatches int
	QueueCapacity        int
	MaxRetries           int
	TaskTimeout          time.Duration

	// SubmitIntervalCap and SubmitInterval shape the submission start
	// rate. Zero cap disables shaping.
	SubmitIntervalCap int
	SubmitInterval    time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Gas == 0 {
		cfg.Gas = 30 * neartx.TGas
	}
	if cfg.Deposit == nil {
		cfg.Deposit = neartx.OneYocto
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 75
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 300 * time.Millisecond
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 30
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 15
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 5000
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 45 * time.Second
	}
	return cfg
}

// Dispatcher is the pipeline root.
type Dispatcher struct {
	cfg    Config
	queue  *queue.Queue
	pool   *WorkPool
	exec   *Executor
	coll   *Collector
	engine *metrics.Engine

	obsMu     sync.RWMutex
	observers []Observer

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}

	pending  atomic.Int64 // batches plus direct transfers still executing
	batches  atomic.Int32
	draining atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New assembles the pipeline around the given chain client, key registry
// and nonce allocator.
func New(client ChainClient, registry *keys.Registry, nonces *nonce.Allocator,
	engine *metrics.Engine, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:      cfg,
		queue:    queue.New(cfg.QueueCapacity, 2*cfg.BatchSize),
		engine:   engine,
		inflight: make(map[uuid.UUID]struct{}),
	}
	d.pool = NewWorkPool(PoolConfig{
		Capacity:    cfg.MaxParallel,
		TaskTimeout: cfg.TaskTimeout,
		IntervalCap: cfg.SubmitIntervalCap,
		Interval:    cfg.SubmitInterval,
	})
	d.exec = NewExecutor(ExecutorConfig{
		ContractID: cfg.ContractID,
		Gas:        cfg.Gas,
		Deposit:    cfg.Deposit,
		MaxRetries: cfg.MaxRetries,
	}, client, registry, nonces, d.pool, engine)
	d.exec.requeue = d.requeueRetry
	d.exec.terminal = d.finishTransfer
	d.coll = NewCollector(CollectorConfig{
		BatchSize:            cfg.BatchSize,
		Interval:             cfg.BatchInterval,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
	}, d.queue, engine, d.launchBatch, d.saturated)
	return d
}

// Subscribe registers an observer. Must be called before Start.
func (d *Dispatcher) Subscribe(o Observer) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, o)
}

// Start begins collecting batches.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("dispatcher already running")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.coll.Start(ctx)
	log.Infow("dispatch pipeline started",
		"queueCapacity", d.cfg.QueueCapacity,
		"maxParallel", d.cfg.MaxParallel,
		"maxRetries", d.cfg.MaxRetries)
	return nil
}

// Enqueue admits a transfer for batched dispatch. The caller validates
// the request first.
func (d *Dispatcher) Enqueue(req types.TransferRequest, priority float64) (*types.QueuedTransfer, error) {
	qt, err := d.queue.Enqueue(req, priority)
	if err != nil {
		return nil, err
	}
	d.engine.RecordEnqueued(1)
	d.notifyQueued(qt)
	return qt, nil
}

// Direct executes one transfer immediately through the shared pool,
// bypassing the queue, and blocks for its outcome. Refused while
// draining.
func (d *Dispatcher) Direct(ctx context.Context, req types.TransferRequest) types.Outcome {
	qt := &types.QueuedTransfer{
		ID:         uuid.New(),
		Request:    req,
		EnqueuedAt: time.Now(),
		Priority:   types.MaxPriority,
	}
	if d.draining.Load() {
		return types.Outcome{
			ID:          qt.ID,
			Request:     req,
			Status:      types.OutcomeFailed,
			ErrorKind:   types.KindShuttingDown,
			ErrorDetail: "gateway is draining",
			FinishedAt:  time.Now(),
		}
	}
	d.pending.Add(1)
	defer d.pending.Add(-1)
	d.markInflight(qt.ID)
	return d.exec.ExecuteDirect(ctx, qt)
}

// launchBatch runs a drained batch asynchronously. Collector callback.
func (d *Dispatcher) launchBatch(ctx context.Context, batch []*types.QueuedTransfer) {
	d.batches.Add(1)
	d.pending.Add(1)
	for _, qt := range batch {
		d.markInflight(qt.ID)
	}
	d.engine.RecordBatchStarted()

	go func() {
		defer d.batches.Add(-1)
		defer d.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				d.engine.RecordBatchError()
				log.Errorw(fmt.Errorf("%v", r), "batch execution panicked")
			}
		}()
		bm := d.exec.ExecuteBatch(ctx, batch)
		d.engine.RecordBatchCompleted(bm)
		d.notifyBatch(bm)
		log.Debugw("batch processed",
			"size", bm.Size, "successful", bm.Successful,
			"failed", bm.Failed, "took", bm.Duration.String())
	}()
}

func (d *Dispatcher) saturated() bool {
	return int(d.batches.Load()) >= d.cfg.MaxConcurrentBatches
}

// requeueRetry re-admits a retryable failure. Executor callback.
func (d *Dispatcher) requeueRetry(qt *types.QueuedTransfer) error {
	d.clearInflight(qt.ID)
	if err := d.queue.Requeue(qt); err != nil {
		d.markInflight(qt.ID)
		return err
	}
	return nil
}

// finishTransfer settles the in-flight record and fans the terminal event
// out to observers. Executor callback.
func (d *Dispatcher) finishTransfer(out types.Outcome) {
	d.clearInflight(out.ID)
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnTransferTerminal(out)
	}
}

func (d *Dispatcher) notifyQueued(qt *types.QueuedTransfer) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnTransferQueued(qt)
	}
}

func (d *Dispatcher) notifyBatch(bm types.BatchMetrics) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnBatchProcessed(bm)
	}
}

func (d *Dispatcher) markInflight(id uuid.UUID) {
	d.inflightMu.Lock()
	d.inflight[id] = struct{}{}
	d.inflightMu.Unlock()
}

func (d *Dispatcher) clearInflight(id uuid.UUID) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

// InFlight reports whether id has been drained into a batch (or direct
// call) that has not settled yet.
func (d *Dispatcher) InFlight(id uuid.UUID) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

// Queued reports whether id is still waiting in the ingress queue.
func (d *Dispatcher) Queued(id uuid.UUID) bool { return d.queue.Contains(id) }

// QueueLen is the current ingress backlog.
func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// QueueCap is the ingress capacity.
func (d *Dispatcher) QueueCap() int { return d.queue.Cap() }

// PoolInflight is the number of transfers executing right now.
func (d *Dispatcher) PoolInflight() int64 { return d.pool.Inflight() }

// BatchesInFlight is the number of batches currently executing.
func (d *Dispatcher) BatchesInFlight() int { return int(d.batches.Load()) }

// Draining reports whether a drain has begun.
func (d *Dispatcher) Draining() bool { return d.draining.Load() }

// Drain shuts the pipeline down gracefully: admission stops, the
// collector halts, and in-flight work gets until ctx's deadline to
// settle. Whatever is still waiting in the queue afterwards is cancelled
// with a terminal outcome, so accepted transfers are never silently
// dropped.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if !d.draining.CompareAndSwap(false, true) {
		return nil
	}
	d.queue.Close()
	d.coll.Stop()
	log.Infow("draining dispatch pipeline",
		"queued", d.queue.Len(), "pending", d.pending.Load())

	deadlineHit := d.awaitIdle(ctx)

	// Hard-cancel whatever is still running, then give it a moment to
	// unwind so cancelled outcomes land before leftovers are flushed.
	d.Stop()
	if deadlineHit {
		settle, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.awaitIdle(settle)
		cancel()
	}

	leftovers := d.queue.DrainAll()
	for _, qt := range leftovers {
		out := cancelledOutcome(qt, "shutdown before dispatch")
		d.engine.RecordOutcome(false, types.KindShuttingDown, 0)
		d.finishTransfer(out)
	}
	if len(leftovers) > 0 {
		log.Warnw("cancelled undispatched transfers at shutdown", "count", len(leftovers))
	}
	if deadlineHit {
		return fmt.Errorf("drain deadline exceeded with %d transfers executing", d.pending.Load())
	}
	return nil
}

// awaitIdle polls until nothing is executing or ctx ends. Reports whether
// it gave up waiting.
func (d *Dispatcher) awaitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.pending.Load() == 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return d.pending.Load() != 0
		case <-ticker.C:
		}
	}
}

// Stop cancels the pipeline context immediately. Dispatch work aborts;
// use Drain for a graceful stop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
